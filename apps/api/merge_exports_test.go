package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMergeRecords() []MergeRecord {
	return []MergeRecord{
		{
			RequestID: mergeReqID, ParentID: mergeParentID, ParentTitle: "Bin overflowing, Road 12",
			ChildID: mergeChild1, ChildTitle: "Garbage \"everywhere\"", ActorID: testAdminID,
			ActorEmail: "admin@example.com", Reason: "same bin", PreviousStatus: statusPending,
			MergedAt: "2026-03-02T10:00:00Z", Latitude: floatPtr(hyderabadLat), Longitude: floatPtr(hyderabadLng),
		},
		{
			RequestID: mergeReqID, ParentID: mergeParentID, ParentTitle: "Bin overflowing, Road 12",
			ChildID: mergeChild2, ChildTitle: "No location", ActorID: testAdminID,
			ActorEmail: "admin@example.com", Reason: "same bin", PreviousStatus: statusAssigned,
			MergedAt: "2026-03-02T10:00:00Z",
		},
	}
}

func TestBuildMergeCSV(t *testing.T) {
	body, err := buildMergeCSV(sampleMergeRecords())
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "merged_at", rows[0][0])
	assert.Equal(t, "reason", rows[0][9])
	assert.Equal(t, "Garbage \"everywhere\"", rows[1][5])
	assert.Equal(t, statusAssigned, rows[2][6])
}

func TestBuildMergeGeoJSONSkipsRecordsWithoutLocation(t *testing.T) {
	body, err := buildMergeGeoJSON(sampleMergeRecords())
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(body, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, []float64{hyderabadLng, hyderabadLat}, fc.Features[0].Geometry.Coordinates)
	assert.Equal(t, mergeChild1, fc.Features[0].Properties["child_id"])
}

func TestRenderMergeExportPDF(t *testing.T) {
	contentType, body, err := renderMergeExport(sampleMergeRecords(), "pdf", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", contentType)
	assert.True(t, bytes.HasPrefix(body, []byte("%PDF")))

	_, _, err = renderMergeExport(nil, "xlsx", nil, nil)
	assert.Equal(t, codeInvalidArgument, errorCode(err))
}

func TestParseExportWindow(t *testing.T) {
	from, to, err := parseExportWindow("2026-03-01", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, 999999999, time.UTC), *to)

	from, to, err = parseExportWindow("", "2026-03-05T12:00:00+02:00")
	require.NoError(t, err)
	assert.Nil(t, from)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), *to)

	_, _, err = parseExportWindow("2026-03-02", "2026-03-01")
	assert.Equal(t, codeInvalidArgument, errorCode(err))
	_, _, err = parseExportWindow("March", "")
	assert.Equal(t, codeInvalidArgument, errorCode(err))
}

func TestMergeExportHandler(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	var gotFrom, gotTo *time.Time
	app.adminListMergeRecordsFn = func(ctx context.Context, from, to *time.Time) ([]MergeRecord, error) {
		gotFrom, gotTo = from, to
		return sampleMergeRecords(), nil
	}

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/merges/export?format=geojson&from=2026-03-01", testAdminID, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "2", rec.Header().Get("X-Record-Count"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".geojson")
	require.NotNil(t, gotFrom)
	assert.Nil(t, gotTo)
}

func TestMergeExportHandlerErrors(t *testing.T) {
	app := newTestApp(t)
	router := newTestRouter(t, app)
	app.adminListMergeRecordsFn = func(ctx context.Context, from, to *time.Time) ([]MergeRecord, error) {
		return nil, errors.New("connection reset")
	}

	rec := serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/merges/export?format=docx", testAdminID, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/merges/export?from=bad", testAdminID, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, authedRequest(t, http.MethodGet, "/api/v1/admin/merges/export", testAdminID, ""))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunMergeExportCommand(t *testing.T) {
	app := newTestApp(t)
	app.adminListMergeRecordsFn = func(ctx context.Context, from, to *time.Time) ([]MergeRecord, error) {
		assert.Nil(t, from)
		assert.Nil(t, to)
		return sampleMergeRecords(), nil
	}

	var out bytes.Buffer
	require.NoError(t, app.runMergeExportCommand(context.Background(), " CSV ", &out))
	assert.Contains(t, out.String(), "request_id")
	assert.Equal(t, codeInvalidArgument, errorCode(app.runMergeExportCommand(context.Background(), "xml", &out)))
}
