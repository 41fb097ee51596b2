package main

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Badge struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Icon            string `json:"icon"`
	Description     string `json:"description"`
	PointsRequired  int    `json:"pointsRequired"`
	ReportsRequired int    `json:"reportsRequired"`
}

var badgeCatalogue = []Badge{
	{ID: 1, Name: "First Report", Icon: "📝", Description: "Submit your first complaint", ReportsRequired: 1},
	{ID: 2, Name: "Eco Beginner", Icon: "🌱", Description: "Reach 100 points", PointsRequired: 100},
	{ID: 3, Name: "Green Guardian", Icon: "🌿", Description: "Reach 500 points", PointsRequired: 500},
	{ID: 4, Name: "Waste Warrior", Icon: "♻️", Description: "Submit 20 reports", ReportsRequired: 20},
	{ID: 5, Name: "Earth Champion", Icon: "🌍", Description: "Reach 1000 points", PointsRequired: 1000},
	{ID: 6, Name: "Eco Legend", Icon: "🏆", Description: "Reach 2500 points", PointsRequired: 2500},
}

func earnedBadges(points, reports int) []Badge {
	earned := []Badge{}
	for _, badge := range badgeCatalogue {
		if points >= badge.PointsRequired && reports >= badge.ReportsRequired {
			earned = append(earned, badge)
		}
	}
	return earned
}

type RewardTransaction struct {
	ID          int     `json:"id"`
	Points      int     `json:"points"`
	Reason      string  `json:"reason"`
	ComplaintID *string `json:"complaintId"`
	CreatedAt   string  `json:"createdAt"`
}

type RewardsSummary struct {
	TotalPoints  int                 `json:"totalPoints"`
	ReportCount  int                 `json:"reportCount"`
	Badges       []Badge             `json:"badges"`
	Transactions []RewardTransaction `json:"transactions"`
}

type LeaderboardEntry struct {
	Rank        int     `json:"rank"`
	UserID      string  `json:"userId"`
	FullName    *string `json:"fullName"`
	TotalPoints int     `json:"totalPoints"`
}

// creditPointsTx records a reward and bumps the denormalised user total.
func (a *App) creditPointsTx(ctx context.Context, tx *sql.Tx, userID string, points int, reason string, complaintID *string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reward_transactions (user_id, points, reason, complaint_id)
		VALUES ($1, $2, $3, $4)
	`, userID, points, reason, complaintID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET total_points = total_points + $1, updated_at = NOW() WHERE id = $2
	`, points, userID)
	return err
}

func (a *App) userRewards(ctx context.Context, userID string) (*RewardsSummary, error) {
	summary := &RewardsSummary{Transactions: []RewardTransaction{}}
	if err := a.db.QueryRowContext(ctx, `
		SELECT u.total_points, (SELECT COUNT(*) FROM complaints c WHERE c.user_id = u.id)
		FROM users u WHERE u.id = $1
	`, userID).Scan(&summary.TotalPoints, &summary.ReportCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User not found: %s", userID)
		}
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, points, reason, complaint_id::text, created_at
		FROM reward_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tx RewardTransaction
		var complaintID sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&tx.ID, &tx.Points, &tx.Reason, &complaintID, &createdAt); err != nil {
			return nil, err
		}
		tx.ComplaintID = nullStringPtr(complaintID)
		tx.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		summary.Transactions = append(summary.Transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summary.Badges = earnedBadges(summary.TotalPoints, summary.ReportCount)
	return summary, nil
}

func (a *App) leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id::text, full_name, total_points
		FROM users
		ORDER BY total_points DESC, created_at ASC
		LIMIT $1
	`, leaderboardSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []LeaderboardEntry{}
	for rows.Next() {
		var entry LeaderboardEntry
		var fullName sql.NullString
		if err := rows.Scan(&entry.UserID, &fullName, &entry.TotalPoints); err != nil {
			return nil, err
		}
		entry.FullName = nullStringPtr(fullName)
		entry.Rank = len(entries) + 1
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
