package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"wastewatch/libs/mailer"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	maxTitleLength               = 200
	maxDescriptionLength         = 4000
	maxMergeReasonLength         = 1000
	complaintRewardPoints        = 10
	leaderboardSize              = 10
	sessionCleanupInterval       = time.Minute
	devCORSOriginLocalhost       = "http://localhost:5173"
	devCORSOriginLoopback        = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4     = "127.0.0.1"
	trustedProxyLoopbackIPv6     = "::1"
	defaultDuplicateRadiusM      = 50.0
	defaultDuplicateRadiusMinM   = 10.0
	defaultDuplicateRadiusMaxM   = 500.0
	defaultFindDuplicatesTimeout = 5 * time.Second
	defaultMergeTimeout          = 10 * time.Second
	defaultMergeSessionTTL       = 30 * time.Minute
	mergeVerifyTimeout           = 5 * time.Second
)

const (
	statusPending    = "pending"
	statusAssigned   = "assigned"
	statusInProgress = "in-progress"
	statusResolved   = "resolved"
	statusRejected   = "rejected"

	roleCitizen = "citizen"
	roleStaff   = "staff"
	roleAdmin   = "admin"
)

var (
	complaintStatuses   = []string{statusPending, statusAssigned, statusInProgress, statusResolved, statusRejected}
	complaintCategories = []string{"overflowing_bin", "illegal_dumping", "missed_collection", "dead_animal", "other"}
	complaintPriorities = []string{"low", "medium", "high"}
	userRoles           = []string{roleCitizen, roleStaff, roleAdmin}
	statusTransitions   = map[string][]string{
		statusPending:    {statusAssigned, statusRejected},
		statusAssigned:   {statusInProgress, statusResolved, statusRejected, statusPending},
		statusInProgress: {statusResolved, statusRejected},
		statusResolved:   {},
		statusRejected:   {},
	}
)

type Config struct {
	Addr                    string
	Env                     string
	DatabaseURL             string
	PublicBaseURL           string
	AppSigningSecret        string
	BootstrapAdminEmail     string
	DuplicateRadiusDefaultM float64
	DuplicateRadiusMinM     float64
	DuplicateRadiusMaxM     float64
	FindDuplicatesTimeout   time.Duration
	MergeTimeout            time.Duration
	MergeSessionTTL         time.Duration
	MapboxAccessToken       string
	GeocoderProvider        string
	ResendAPIKey            string
	MailerFromAddresses     map[string]string
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	geocoder Geocoder
	mailer   *mailer.Mailer

	mergeSessions *mergeSessionRegistry
	zoneIndex     zoneIndex

	// test hooks for handlers
	lookupUser              func(ctx context.Context, userID string) (*User, error)
	adminGetComplaint       func(ctx context.Context, id string) (*Complaint, error)
	adminFindActive         func(ctx context.Context) ([]Complaint, error)
	adminFindDuplicates     func(ctx context.Context, parentID string, radiusMeters float64) ([]DuplicateCandidate, error)
	adminMergeComplaints    func(ctx context.Context, req MergeRequest) (*MergeResult, error)
	adminListPaginated      func(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedComplaints, error)
	adminUpdateStatusFn     func(ctx context.Context, id, status string, actor User) (*Complaint, error)
	adminAssignFn           func(ctx context.Context, id, staffID string, actor User) (*Complaint, error)
	adminListZonesFn        func(ctx context.Context) ([]Zone, error)
	adminListStaffFn        func(ctx context.Context, filters map[string]any) ([]User, error)
	adminAnalyticsFn        func(ctx context.Context) (*AnalyticsOverview, error)
	adminPerformanceFn      func(ctx context.Context) ([]StaffPerformance, error)
	adminTrendsFn           func(ctx context.Context, days int) ([]TrendPoint, error)
	profileGetFn            func(ctx context.Context, userID string) (*UserProfile, error)
	profileUpdateFn         func(ctx context.Context, userID string, update ProfileUpdate) (*UserProfile, error)
	adminListMergeRecordsFn func(ctx context.Context, from, to *time.Time) ([]MergeRecord, error)
	citizenCreateComplaint  func(ctx context.Context, payload ComplaintCreatePayload) (*Complaint, error)
	staffClaimFn            func(ctx context.Context, id string, actor User) (*Complaint, error)
	staffUpdateStatusFn     func(ctx context.Context, id, status string, actor User) (*Complaint, error)
	notifyMerged            func(ctx context.Context, result MergeResult, reason string)
}

type Complaint struct {
	ID           string   `json:"id"`
	UserID       *string  `json:"userId"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	Location     *string  `json:"location"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority"`
	MediaURL     *string  `json:"mediaUrl,omitempty"`
	AssignedTo   *string  `json:"assignedTo"`
	ZoneID       *string  `json:"zoneId"`
	IsMerged     bool     `json:"isMerged"`
	MergedIntoID *string  `json:"mergedIntoId"`
	Version      int      `json:"version"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
	ResolvedAt   *string  `json:"resolvedAt"`
}

// HasLocation reports whether the complaint carries usable coordinates.
func (c Complaint) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

type ComplaintEvent struct {
	ID          int            `json:"id"`
	ComplaintID string         `json:"complaintId"`
	CreatedAt   string         `json:"createdAt"`
	Type        string         `json:"type"`
	Actor       string         `json:"actor"`
	Metadata    map[string]any `json:"metadata"`
}

type User struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	FullName    *string `json:"fullName"`
	Role        string  `json:"role"`
	ZoneID      *string `json:"zoneId"`
	TotalPoints int     `json:"totalPoints"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type ComplaintCreatePayload struct {
	UserID      string
	Title       string
	Description string
	Category    string
	Location    *string
	Latitude    *float64
	Longitude   *float64
	Priority    string
	MediaURL    *string
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		panic(err)
	}

	var geocoder Geocoder
	httpClient := &http.Client{Timeout: 10 * time.Second}

	mapbox := &MapboxGeocoder{AccessToken: cfg.MapboxAccessToken, Client: httpClient}
	nominatim := &NominatimGeocoder{UserAgent: "WasteWatch-API/1.0", Client: httpClient}

	switch cfg.GeocoderProvider {
	case "mapbox":
		geocoder = mapbox
	case "nominatim":
		geocoder = nominatim
	case "none":
		geocoder = nil
	default:
		geocoder = &FallbackGeocoder{Primary: mapbox, Secondary: nominatim}
	}

	var mailProvider mailer.Provider
	if cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(cfg.ResendAPIKey)
		logger.Info("mailer initialized", "provider", "resend")
	} else {
		mailProvider = mailer.NewLogProvider(logger)
		logger.Info("mailer initialized", "provider", "log")
	}
	mailClient := mailer.New(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()])

	app := &App{
		cfg:           cfg,
		db:            db,
		log:           logger,
		geocoder:      geocoder,
		mailer:        mailClient,
		mergeSessions: newMergeSessionRegistry(cfg.MergeSessionTTL),
	}
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	app.mergeSessions.startCleanup(cleanupCtx, sessionCleanupInterval)

	logger.Info(
		"runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"duplicate_radius_default_m", cfg.DuplicateRadiusDefaultM,
		"duplicate_radius_range_m", fmt.Sprintf("(%g, %g]", cfg.DuplicateRadiusMinM, cfg.DuplicateRadiusMaxM),
		"merge_timeout", cfg.MergeTimeout.String(),
	)

	if err := app.runMigrations(ctx); err != nil {
		panic(err)
	}

	if len(os.Args) > 1 && os.Args[1] == "export-merges" {
		format := "csv"
		if len(os.Args) > 2 {
			format = os.Args[2]
		}
		if err := app.runMergeExportCommand(ctx, format, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := app.bootstrapAdmin(ctx); err != nil {
		panic(err)
	}

	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		panic(err)
	}
	r.Use(gin.Recovery())
	r.Use(app.loggingMiddleware())
	r.Use(app.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	app.registerRoutes(r)

	app.log.Info("starting gin API", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		panic(err)
	}
}

func (a *App) registerRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.Use(a.requireIdentity())
	{
		api.POST("/complaints", a.createComplaintHandler)
		api.GET("/complaints/mine", a.myComplaintsHandler)
		api.GET("/complaints/:id", a.complaintDetailsHandler)

		api.GET("/users/me", a.myProfileHandler)
		api.PUT("/users/me", a.updateMyProfileHandler)

		api.GET("/rewards/me", a.myRewardsHandler)
		api.GET("/rewards/leaderboard", a.leaderboardHandler)
		api.GET("/rewards/badges", a.badgesHandler)

		staff := api.Group("/staff")
		staff.Use(a.requireRole(roleStaff))
		{
			staff.GET("/tasks", a.staffTasksHandler)
			staff.POST("/tasks/:id/claim", a.staffClaimHandler)
			staff.POST("/tasks/:id/status", a.staffUpdateStatusHandler)
		}

		admin := api.Group("/admin")
		admin.Use(a.requireRole(roleAdmin))
		{
			admin.GET("/complaints", a.adminComplaintsHandler)
			admin.GET("/complaints/active", a.activeComplaintsHandler)
			admin.POST("/complaints/merge", a.mergeComplaintsHandler)
			admin.GET("/complaints/:id/duplicates", a.findDuplicatesHandler)
			admin.GET("/complaints/:id/events", a.complaintEventsHandler)
			admin.POST("/complaints/:id/assign", a.adminAssignHandler)
			admin.POST("/complaints/:id/status", a.adminUpdateStatusHandler)

			admin.GET("/merge-session", a.mergeSessionStateHandler)
			admin.POST("/merge-session", a.mergeSessionStateHandler)
			admin.POST("/merge-session/parent", a.mergeSessionChooseParentHandler)
			admin.POST("/merge-session/search", a.mergeSessionSearchHandler)
			admin.POST("/merge-session/toggle", a.mergeSessionToggleHandler)
			admin.POST("/merge-session/reason", a.mergeSessionReasonHandler)
			admin.POST("/merge-session/commit", a.mergeSessionCommitHandler)
			admin.POST("/merge-session/cancel", a.mergeSessionCancelHandler)

			admin.GET("/merges/export", a.mergeExportHandler)

			admin.GET("/zones", a.listZonesHandler)
			admin.POST("/zones", a.createZoneHandler)
			admin.PUT("/zones/:id", a.updateZoneHandler)
			admin.DELETE("/zones/:id", a.deleteZoneHandler)

			admin.GET("/staff", a.listStaffHandler)
			admin.GET("/analytics/overview", a.analyticsOverviewHandler)
			admin.GET("/analytics/performance", a.staffPerformanceHandler)
			admin.GET("/analytics/trends", a.complaintTrendsHandler)
		}
	}
}

func loadConfig() (*Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PG*/POSTGRES_* variables must be configured")
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "development"
	}

	cfg := &Config{
		Addr:                    valueOrDefault("GIN_ADDR", ":8080"),
		Env:                     env,
		DatabaseURL:             databaseURL,
		PublicBaseURL:           strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "http://localhost:5173"), "/"),
		AppSigningSecret:        secret,
		BootstrapAdminEmail:     strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_EMAIL")),
		DuplicateRadiusDefaultM: defaultDuplicateRadiusM,
		DuplicateRadiusMinM:     defaultDuplicateRadiusMinM,
		DuplicateRadiusMaxM:     defaultDuplicateRadiusMaxM,
		FindDuplicatesTimeout:   defaultFindDuplicatesTimeout,
		MergeTimeout:            defaultMergeTimeout,
		MergeSessionTTL:         defaultMergeSessionTTL,
		MapboxAccessToken:       strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		GeocoderProvider:        strings.TrimSpace(os.Getenv("GEOCODER_PROVIDER")),
		ResendAPIKey:            strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "noreply@wastewatch.example"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "noreply@wastewatch.local"),
		},
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"DUPLICATE_RADIUS_DEFAULT_M", &cfg.DuplicateRadiusDefaultM},
		{"DUPLICATE_RADIUS_MIN_M", &cfg.DuplicateRadiusMinM},
		{"DUPLICATE_RADIUS_MAX_M", &cfg.DuplicateRadiusMaxM},
	}
	for _, f := range floats {
		raw := strings.TrimSpace(os.Getenv(f.key))
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be a valid number", f.key)
		}
		*f.target = parsed
	}
	if cfg.DuplicateRadiusMinM < 0 {
		return nil, fmt.Errorf("DUPLICATE_RADIUS_MIN_M must be >= 0")
	}
	if cfg.DuplicateRadiusMaxM <= cfg.DuplicateRadiusMinM {
		return nil, fmt.Errorf("DUPLICATE_RADIUS_MAX_M must be greater than DUPLICATE_RADIUS_MIN_M")
	}
	if cfg.DuplicateRadiusDefaultM <= cfg.DuplicateRadiusMinM || cfg.DuplicateRadiusDefaultM > cfg.DuplicateRadiusMaxM {
		return nil, fmt.Errorf("DUPLICATE_RADIUS_DEFAULT_M must be within (%g, %g]", cfg.DuplicateRadiusMinM, cfg.DuplicateRadiusMaxM)
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"FIND_DUPLICATES_TIMEOUT", &cfg.FindDuplicatesTimeout},
		{"MERGE_TIMEOUT", &cfg.MergeTimeout},
		{"MERGE_SESSION_TTL", &cfg.MergeSessionTTL},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(os.Getenv(d.key))
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration", d.key)
		}
		*d.target = parsed
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(filepath.ToSlash(filepath.Join("migrations", file)))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

// bootstrapAdmin promotes the configured email to admin, creating the user row if needed.
func (a *App) bootstrapAdmin(ctx context.Context) error {
	email := strings.ToLower(a.cfg.BootstrapAdminEmail)
	if email == "" {
		a.log.Info("bootstrap admin not configured")
		return nil
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO users (email, role)
		VALUES ($1, 'admin')
		ON CONFLICT (email)
		DO UPDATE SET role = 'admin', updated_at = NOW()
	`, email)
	if err != nil {
		return err
	}

	a.log.Info("bootstrap admin ensured", "email", email)
	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}
