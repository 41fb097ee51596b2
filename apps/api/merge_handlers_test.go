package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRoutesRequireIdentity(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/admin/complaints/active", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthorized, decodeBody(t, rec)["error"])
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	app.adminFindActive = func(ctx context.Context) ([]Complaint, error) {
		t.Fatal("active complaints must not be listed for non-admins")
		return nil, nil
	}

	for _, userID := range []string{testCitizenID, testStaffID} {
		rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/complaints/active", userID, ""))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
}

func TestUnknownUserTokenIsUnauthorized(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/complaints/mine", "f0000000-0000-4000-8000-000000000000", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unknown user", decodeBody(t, rec)["message"])
}

func TestFindDuplicatesHandlerUsesDefaultRadius(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	var gotRadius float64
	app.adminFindDuplicates = func(ctx context.Context, parentID string, radiusMeters float64) ([]DuplicateCandidate, error) {
		gotRadius = radiusMeters
		return []DuplicateCandidate{}, nil
	}

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/complaints/"+mergeParentID+"/duplicates", testAdminID, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50.0, gotRadius)
	body := decodeBody(t, rec)
	assert.Equal(t, "No duplicates found within 50 m", body["message"])
	assert.EqualValues(t, 0, body["count"])
}

func TestFindDuplicatesHandlerRejectsNonNumericRadius(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/complaints/"+mergeParentID+"/duplicates?radius_m=far", testAdminID, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidArgument, decodeBody(t, rec)["error"])
}

func TestFindDuplicatesHandlerMapsMissingLocation(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	app.adminFindDuplicates = func(ctx context.Context, parentID string, radiusMeters float64) ([]DuplicateCandidate, error) {
		return nil, errMissingLocation(parentID)
	}

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/complaints/"+mergeParentID+"/duplicates?radius_m=120", testAdminID, ""))
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, codeMissingLocation, body["error"])
	assert.Equal(t, false, body["retryable"])
}

func TestMergeComplaintsHandlerUsesIdentityAsActor(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	var received MergeRequest
	app.adminMergeComplaints = func(ctx context.Context, req MergeRequest) (*MergeResult, error) {
		received = req
		return &MergeResult{MergedCount: 2, ParentID: req.ParentID, ChildIDs: req.ChildIDs, RequestID: mergeReqID}, nil
	}

	body := `{"parent_id":"` + mergeParentID + `","child_ids":["` + mergeChild1 + `","` + mergeChild2 + `"],"reason":"same bin"}`
	rec := serve(router, authedRequest(t, http.MethodPost, "/api/v1/admin/complaints/merge", testAdminID, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, testAdminID, received.ActorID)
	assert.Equal(t, []string{mergeChild1, mergeChild2}, received.ChildIDs)
	resp := decodeBody(t, rec)
	assert.EqualValues(t, 2, resp["merged_count"])
	assert.Equal(t, "Merged 2 duplicate complaint(s)", resp["message"])
	assert.Equal(t, mergeReqID, resp["request_id"])
}

func TestMergeComplaintsHandlerConflictIsRetryable(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	app.adminMergeComplaints = func(ctx context.Context, req MergeRequest) (*MergeResult, error) {
		return nil, errConflict("Complaint %s was merged into another complaint in the meantime", mergeChild1)
	}

	body := `{"parent_id":"` + mergeParentID + `","child_ids":["` + mergeChild1 + `"],"reason":"same bin"}`
	rec := serve(router, authedRequest(t, http.MethodPost, "/api/v1/admin/complaints/merge", testAdminID, body))
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, codeConflict, resp["error"])
	assert.Equal(t, true, resp["retryable"])
}

func TestMergeComplaintsHandlerRejectsMalformedBody(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)

	rec := serve(router, authedRequest(t, http.MethodPost, "/api/v1/admin/complaints/merge", testAdminID, `{"child_ids":"nope"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMergeSessionHandlersReturnSnapshotOnRejectedEvent(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)

	rec := serve(router, authedRequest(t, http.MethodPost, "/api/v1/admin/merge-session/toggle", testAdminID, `{"complaint_id":"`+mergeChild1+`"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, codeInvalidTransition, body["error"])
	session, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(mergeStateIdle), session["state"])
}

func TestMergeSessionHandlersFullFlow(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	app.adminGetComplaint = func(ctx context.Context, id string) (*Complaint, error) {
		parent := sessionParent()
		return &parent, nil
	}
	app.adminFindDuplicates = func(ctx context.Context, parentID string, radiusMeters float64) ([]DuplicateCandidate, error) {
		assert.Equal(t, 75.0, radiusMeters)
		return sessionCandidates(), nil
	}
	app.adminMergeComplaints = func(ctx context.Context, req MergeRequest) (*MergeResult, error) {
		return &MergeResult{MergedCount: len(req.ChildIDs), ParentID: req.ParentID, ChildIDs: req.ChildIDs, RequestID: mergeReqID}, nil
	}

	steps := []struct {
		path  string
		body  string
		state MergeSessionState
	}{
		{"/api/v1/admin/merge-session/parent", `{"parent_id":"` + mergeParentID + `"}`, mergeStateParentChosen},
		{"/api/v1/admin/merge-session/search", `{"radius_m":75}`, mergeStateCandidatesReady},
		{"/api/v1/admin/merge-session/toggle", `{"complaint_id":"` + mergeChild1 + `"}`, mergeStateCandidatesReady},
		{"/api/v1/admin/merge-session/reason", `{"reason":"same bin"}`, mergeStateCandidatesReady},
	}
	for _, step := range steps {
		rec := serve(router, authedRequest(t, http.MethodPost, step.path, testAdminID, step.body))
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step.path, rec.Body.String())
		session := decodeBody(t, rec)["session"].(map[string]any)
		assert.Equal(t, string(step.state), session["state"], step.path)
	}

	rec := serve(router, authedRequest(t, http.MethodPost, "/api/v1/admin/merge-session/commit", testAdminID, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["merged_count"])
	assert.Equal(t, string(mergeStateIdle), body["session"].(map[string]any)["state"])
}

func TestActiveComplaintsHandler(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	app.adminFindActive = func(ctx context.Context) ([]Complaint, error) {
		return []Complaint{sessionParent()}, nil
	}

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/complaints/active", testAdminID, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	complaints := decodeBody(t, rec)["complaints"].([]any)
	assert.Len(t, complaints, 1)
}
