package main

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	testSigningSecret = "0123456789abcdef"

	testAdminID   = "a0000000-0000-4000-8000-000000000001"
	testStaffID   = "a0000000-0000-4000-8000-000000000002"
	testCitizenID = "a0000000-0000-4000-8000-000000000003"
)

func testConfig() *Config {
	return &Config{
		Env:                     "test",
		PublicBaseURL:           "https://wastewatch.example",
		AppSigningSecret:        testSigningSecret,
		DuplicateRadiusDefaultM: defaultDuplicateRadiusM,
		DuplicateRadiusMinM:     defaultDuplicateRadiusMinM,
		DuplicateRadiusMaxM:     defaultDuplicateRadiusMaxM,
		FindDuplicatesTimeout:   defaultFindDuplicatesTimeout,
		MergeTimeout:            defaultMergeTimeout,
		MergeSessionTTL:         defaultMergeSessionTTL,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	return &App{
		cfg:           testConfig(),
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		mergeSessions: newMergeSessionRegistry(defaultMergeSessionTTL),
	}
}

// textArrayConverter passes []string arguments through as pgx does for
// text[] parameters.
type textArrayConverter struct{}

func (textArrayConverter) ConvertValue(v any) (driver.Value, error) {
	if ids, ok := v.([]string); ok {
		return ids, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

// idsArg matches a []string query argument.
type idsArg []string

func (a idsArg) Match(v driver.Value) bool {
	return reflect.DeepEqual([]string(a), v)
}

func newMockDBApp(t *testing.T) (*App, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(textArrayConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	app := newTestApp(t)
	app.db = db
	return app, mock
}

var testUsers = map[string]User{
	testAdminID:   {ID: testAdminID, Email: "admin@example.com", Role: roleAdmin},
	testStaffID:   {ID: testStaffID, Email: "staff@example.com", Role: roleStaff},
	testCitizenID: {ID: testCitizenID, Email: "citizen@example.com", Role: roleCitizen},
}

// newTestRouter wires the real routes with identity resolved from testUsers.
func newTestRouter(t *testing.T, app *App) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	app.lookupUser = func(ctx context.Context, userID string) (*User, error) {
		user, ok := testUsers[userID]
		if !ok {
			return nil, nil
		}
		return &user, nil
	}
	router := gin.New()
	app.registerRoutes(router)
	return router
}

func authedRequest(t *testing.T, method, target, userID, body string) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := createIdentityToken(testSigningSecret, userID, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func floatPtr(v float64) *float64 { return &v }

func stringPtr(v string) *string { return &v }
