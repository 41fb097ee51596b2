package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type MergeRequest struct {
	ParentID         string            `json:"parent_id"`
	ChildIDs         []string          `json:"child_ids"`
	Reason           string            `json:"reason"`
	ExpectedStatuses map[string]string `json:"expected_statuses,omitempty"`
	RequestID        string            `json:"request_id,omitempty"`
	ActorID          string            `json:"-"`
}

type MergeResult struct {
	MergedCount int      `json:"merged_count"`
	ParentID    string   `json:"parent_id"`
	ChildIDs    []string `json:"child_ids"`
	RequestID   string   `json:"request_id"`
}

func mergeSuccessMessage(count int) string {
	return fmt.Sprintf("Merged %d duplicate complaint(s)", count)
}

// normalizeMergeRequest validates a request without touching storage.
// Child ids are trimmed and de-duplicated, keeping first-occurrence order.
func normalizeMergeRequest(req MergeRequest) (MergeRequest, error) {
	req.ParentID = strings.TrimSpace(req.ParentID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.RequestID = strings.TrimSpace(req.RequestID)

	if req.ParentID == "" {
		return req, errInvalidArgument("parent_id is required")
	}
	if len(req.ChildIDs) == 0 {
		return req, errInvalidArgument("child_ids must not be empty")
	}
	if req.Reason == "" {
		return req, errInvalidArgument("A reason for merging is required")
	}
	if len([]rune(req.Reason)) > maxMergeReasonLength {
		return req, errInvalidArgument("reason must be at most %d characters", maxMergeReasonLength)
	}
	if req.ActorID == "" {
		return req, errInvalidArgument("actor is required")
	}

	seen := make(map[string]struct{}, len(req.ChildIDs))
	children := make([]string, 0, len(req.ChildIDs))
	for _, raw := range req.ChildIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return req, errInvalidArgument("child_ids must not contain empty ids")
		}
		if id == req.ParentID {
			return req, errInvalidArgument("Complaint %s cannot be merged into itself", id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		children = append(children, id)
	}
	req.ChildIDs = children

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	} else if !isValidID(req.RequestID) {
		return req, errInvalidArgument("request_id must be a UUID")
	}
	return req, nil
}

type lockedComplaint struct {
	ID           string
	Status       string
	IsMerged     bool
	MergedIntoID *string
}

func lockComplaintTx(ctx context.Context, tx *sql.Tx, id string) (lockedComplaint, error) {
	var row lockedComplaint
	var mergedInto sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id::text, status, is_merged, merged_into_id::text
		FROM complaints
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&row.ID, &row.Status, &row.IsMerged, &mergedInto)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, errNotFound("Complaint not found: %s", id)
		}
		return row, err
	}
	row.MergedIntoID = nullStringPtr(mergedInto)
	return row, nil
}

// checkMergeChild is the commit-time re-validation of one child.
func checkMergeChild(req MergeRequest, child lockedComplaint) error {
	if child.IsMerged {
		if child.MergedIntoID != nil && *child.MergedIntoID == req.ParentID {
			return errAlreadyMerged("Complaint %s is already merged into %s", child.ID, req.ParentID)
		}
		return errConflict("Complaint %s was merged into another complaint in the meantime", child.ID)
	}
	if child.Status == statusResolved {
		return errConflict("Complaint %s was resolved in the meantime", child.ID)
	}
	if expected, ok := req.ExpectedStatuses[child.ID]; ok && expected != child.Status {
		return errConflict("Complaint %s changed status from %s to %s, please retry", child.ID, expected, child.Status)
	}
	return nil
}

// checkNoAbsorbedChildrenTx rejects children that are themselves the parent of
// an earlier merge. Merging one would leave its own children pointing at a
// merged complaint.
func checkNoAbsorbedChildrenTx(ctx context.Context, tx *sql.Tx, childIDs []string) error {
	var childID string
	err := tx.QueryRowContext(ctx, `
		SELECT merged_into_id::text
		FROM complaints
		WHERE merged_into_id = ANY($1::text[]::uuid[])
		ORDER BY merged_into_id
		LIMIT 1
		FOR UPDATE
	`, childIDs).Scan(&childID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return errInvalidArgument("Complaint %s already absorbed merged complaints and cannot be merged into another", childID)
}

// mergeComplaints folds every child into the parent inside one transaction.
// Either all children end up merged and resolved, or none do.
func (a *App) mergeComplaints(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	req, err := normalizeMergeRequest(req)
	if err != nil {
		return nil, err
	}
	if !isValidID(req.ParentID) {
		return nil, errNotFound("Complaint not found: %s", req.ParentID)
	}
	for _, id := range req.ChildIDs {
		if !isValidID(id) {
			return nil, errNotFound("Complaint not found: %s", id)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.MergeTimeout)
	defer cancel()

	result, err := a.mergeComplaintsTx(ctx, req)
	if err != nil {
		a.log.Error("merge failed",
			"request_id", req.RequestID,
			"parent_id", req.ParentID,
			"child_ids", req.ChildIDs,
			"reason", req.Reason,
			"actor_id", req.ActorID,
			"err", err,
		)
		return nil, err
	}

	a.log.Info("complaints merged",
		"request_id", result.RequestID,
		"parent_id", result.ParentID,
		"child_ids", result.ChildIDs,
		"merged_count", result.MergedCount,
		"actor_id", req.ActorID,
	)
	a.notifyMergeResult(ctx, *result, req.Reason)
	return result, nil
}

func (a *App) mergeComplaintsTx(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyTransient(err, "merge")
	}
	rollback := func(cause error) (*MergeResult, error) {
		_ = tx.Rollback()
		return nil, classifyTransient(cause, "merge")
	}

	lockOrder := append([]string{req.ParentID}, req.ChildIDs...)
	sort.Strings(lockOrder)
	locked := make(map[string]lockedComplaint, len(lockOrder))
	for _, id := range lockOrder {
		row, err := lockComplaintTx(ctx, tx, id)
		if err != nil {
			return rollback(err)
		}
		locked[id] = row
	}

	if locked[req.ParentID].IsMerged {
		return rollback(errConflict("Parent complaint %s has itself been merged", req.ParentID))
	}
	for _, id := range req.ChildIDs {
		if err := checkMergeChild(req, locked[id]); err != nil {
			return rollback(err)
		}
	}
	if err := checkNoAbsorbedChildrenTx(ctx, tx, req.ChildIDs); err != nil {
		return rollback(err)
	}

	for _, id := range req.ChildIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE complaints
			SET is_merged = TRUE,
				merged_into_id = $1,
				status = 'resolved',
				resolved_at = NOW(),
				version = version + 1,
				updated_at = NOW()
			WHERE id = $2 AND is_merged = FALSE AND status <> 'resolved'
		`, req.ParentID, id)
		if err != nil {
			return rollback(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return rollback(err)
		}
		if affected != 1 {
			return rollback(errConflict("Complaint %s changed during merge, please retry", id))
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO complaint_merges (request_id, parent_id, child_id, actor_id, reason, previous_status)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, req.RequestID, req.ParentID, id, req.ActorID, req.Reason, locked[id].Status); err != nil {
			return rollback(err)
		}
		if err := a.addEventTx(ctx, tx, id, "merged", req.ActorID, map[string]any{
			"parentId":       req.ParentID,
			"reason":         req.Reason,
			"requestId":      req.RequestID,
			"previousStatus": locked[id].Status,
		}); err != nil {
			return rollback(err)
		}
		if err := a.addEventTx(ctx, tx, req.ParentID, "merge_absorbed", req.ActorID, map[string]any{
			"childId":   id,
			"reason":    req.Reason,
			"requestId": req.RequestID,
		}); err != nil {
			return rollback(err)
		}
	}

	result := &MergeResult{
		MergedCount: len(req.ChildIDs),
		ParentID:    req.ParentID,
		ChildIDs:    req.ChildIDs,
		RequestID:   req.RequestID,
	}
	if err := tx.Commit(); err != nil {
		return a.resolveAmbiguousCommit(req, result, err)
	}
	return result, nil
}

// resolveAmbiguousCommit reads the merge audit rows back to learn whether a
// commit that returned an error was applied anyway.
func (a *App) resolveAmbiguousCommit(req MergeRequest, result *MergeResult, commitErr error) (*MergeResult, error) {
	verifyCtx, cancel := context.WithTimeout(context.Background(), mergeVerifyTimeout)
	defer cancel()

	applied, err := a.countMergeRows(verifyCtx, req.RequestID, req.ChildIDs)
	if err != nil {
		a.log.Error("merge outcome unknown", "request_id", req.RequestID, "commit_err", commitErr, "verify_err", err)
		return nil, errUnavailable("Merge outcome for request %s could not be confirmed, reload before retrying", req.RequestID)
	}
	switch {
	case applied == len(req.ChildIDs):
		a.log.Warn("merge commit confirmed by read-back", "request_id", req.RequestID, "commit_err", commitErr)
		return result, nil
	case applied == 0:
		return nil, errUnavailable("Merge was not applied, please retry")
	default:
		return nil, fmt.Errorf("merge request %s partially visible (%d of %d rows): %w", req.RequestID, applied, len(req.ChildIDs), commitErr)
	}
}

// countMergeRows counts the audit rows this request wrote. Scoping by child
// keeps a reused request id from counting rows of an earlier merge.
func (a *App) countMergeRows(ctx context.Context, requestID string, childIDs []string) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM complaint_merges
		WHERE request_id = $1 AND child_id = ANY($2::text[]::uuid[])
	`, requestID, childIDs).Scan(&count)
	return count, err
}

func (a *App) adminMerge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if a.adminMergeComplaints != nil {
		return a.adminMergeComplaints(ctx, req)
	}
	return a.mergeComplaints(ctx, req)
}
