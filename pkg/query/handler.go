// Package query serves the read side: aggregated feature rows with derived
// statistics over HTTP.
package query

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/httpx"
	"github.com/telefold/telefold/pkg/store"
)

// Handler serves feature queries.
type Handler struct {
	store store.FeatureStore
}

// NewHandler creates a query handler over the given store.
func NewHandler(st store.FeatureStore) *Handler {
	return &Handler{store: st}
}

// FeaturePoint is one bucket in a query response. Avg and stddev are derived
// from the stored merge counters at read time.
type FeaturePoint struct {
	BucketStart time.Time `json:"bucket_start"`
	TenantID    string    `json:"tenant_id"`
	DeviceID    string    `json:"device_id"`
	Metric      string    `json:"metric"`
	Count       int64     `json:"count"`
	Sum         float64   `json:"sum"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Avg         float64   `json:"avg"`
	StdDev      float64   `json:"stddev"`
}

// FeaturesResponse is the payload of GET /v1/features.
type FeaturesResponse struct {
	Window string         `json:"window"`
	Start  time.Time      `json:"start"`
	End    time.Time      `json:"end"`
	Points []FeaturePoint `json:"points"`
}

// HandleFeatures serves GET /v1/features.
//
// Query parameters: tenant (required), device, metric, window (1m|5m|1h,
// default 1m), start, end (RFC3339, default the last 6 hours), limit.
// Buckets are returned ascending with half-open [start, end) semantics.
func (h *Handler) HandleFeatures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rows, err := h.store.QueryFeatures(ctx, q)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	points := make([]FeaturePoint, len(rows))
	for i, row := range rows {
		points[i] = FeaturePoint{
			BucketStart: row.BucketStart,
			TenantID:    row.TenantID,
			DeviceID:    row.DeviceID,
			Metric:      row.Metric,
			Count:       row.Feature.Count,
			Sum:         row.Feature.Sum,
			Min:         row.Feature.Min,
			Max:         row.Feature.Max,
			Avg:         row.Feature.Avg(),
			StdDev:      row.Feature.StdDev(),
		}
	}

	httpx.RespondJSON(w, http.StatusOK, FeaturesResponse{
		Window: string(q.Window),
		Start:  q.Start,
		End:    q.End,
		Points: points,
	})
}

// HandleStats serves GET /v1/stats with storage statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

func parseQuery(r *http.Request) (store.Query, error) {
	params := r.URL.Query()

	q := store.Query{
		TenantID: params.Get("tenant"),
		DeviceID: params.Get("device"),
		Metric:   params.Get("metric"),
		Window:   feature.WindowMinute,
		Limit:    config.QueryDefaultLimit,
	}
	if q.TenantID == "" {
		return q, fmt.Errorf("tenant parameter is required")
	}

	if w := params.Get("window"); w != "" {
		q.Window = feature.Window(w)
		if !q.Window.Valid() {
			return q, fmt.Errorf("invalid window %q (want 1m, 5m or 1h)", w)
		}
	}

	now := time.Now().UTC()
	q.End = now
	if v := params.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid end time: %w", err)
		}
		q.End = t
	}
	q.Start = q.End.Add(-config.QueryDefaultWindow)
	if v := params.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid start time: %w", err)
		}
		q.Start = t
	}

	if !q.Start.Before(q.End) {
		return q, fmt.Errorf("start must be before end")
	}
	if q.End.Sub(q.Start) > config.QueryMaxRange {
		return q, fmt.Errorf("time range exceeds maximum of %v", config.QueryMaxRange)
	}

	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		if n < q.Limit {
			q.Limit = n
		}
	}

	return q, nil
}
