package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"drone_telemetry/internal/report"
	"drone_telemetry/internal/storage"
	"drone_telemetry/internal/telemetry"
)

// maxBatchDevices caps POST /drones/latest.
const maxBatchDevices = 100

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	ids, err := s.reader.Devices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"devices": ids})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	rec, err := s.ingester.LastState(r.Context(), deviceID)
	if isNoState(err) {
		writeError(w, http.StatusNotFound, "No state found for drone")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// BatchLatestRequest is the request body for batch state lookups.
type BatchLatestRequest struct {
	Devices []string `json:"devices"`
}

// BatchLatestResponse is the response for batch state lookups.
type BatchLatestResponse struct {
	Results map[string]telemetry.Record `json:"results"` // Keyed by device ID.
	Missing []string                    `json:"missing,omitempty"`
	Errors  map[string]string           `json:"errors,omitempty"`
}

func (s *Server) handleBatchLatest(w http.ResponseWriter, r *http.Request) {
	var req BatchLatestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if len(req.Devices) == 0 {
		writeError(w, http.StatusBadRequest, "No devices specified")
		return
	}

	if len(req.Devices) > maxBatchDevices {
		writeError(w, http.StatusBadRequest, "Maximum 100 devices per batch request")
		return
	}

	resp := BatchLatestResponse{
		Results: make(map[string]telemetry.Record),
		Errors:  make(map[string]string),
	}

	for _, id := range req.Devices {
		if id == "" {
			continue
		}
		rec, err := s.ingester.LastState(r.Context(), id)
		switch {
		case isNoState(err):
			resp.Missing = append(resp.Missing, id)
		case err != nil:
			resp.Errors[id] = err.Error()
		default:
			resp.Results[id] = rec
		}
	}

	// Remove empty errors map for cleaner output.
	if len(resp.Errors) == 0 {
		resp.Errors = nil
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	q, ok := rangeQuery(w, r)
	if !ok {
		return
	}

	recs, err := s.reader.QueryTelemetry(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRecords(w, recs)
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	q, ok := rangeQuery(w, r)
	if !ok {
		return
	}

	recs, err := s.reader.QueryTrips(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRecords(w, recs)
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	q, ok := rangeQuery(w, r)
	if !ok {
		return
	}

	sum, err := report.Build(r.Context(), s.reader, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": sum.DeviceID,
		"distance":  sum.Distance,
		"events":    sum.Events,
		"skipped":   sum.Skipped,
	})
}

func (s *Server) handleFlyingHours(w http.ResponseWriter, r *http.Request) {
	q, ok := rangeQuery(w, r)
	if !ok {
		return
	}

	sum, err := report.Build(r.Context(), s.reader, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    sum.DeviceID,
		"flying_hours": sum.Hours,
		"seconds":      int64(sum.FlyingTime.Seconds()),
		"flights":      sum.Flights,
		"skipped":      sum.Skipped,
	})
}

func writeRecords(w http.ResponseWriter, recs []telemetry.Record) {
	if recs == nil {
		recs = []telemetry.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// rangeQuery reads deviceID, from, to and limit. Times are RFC 3339 or
// YYYY-MM-DD; a bare date for "to" covers the whole day.
func rangeQuery(w http.ResponseWriter, r *http.Request) (storage.RangeQuery, bool) {
	q := storage.RangeQuery{DeviceID: chi.URLParam(r, "deviceID")}
	params := r.URL.Query()

	var err error
	if v := params.Get("from"); v != "" {
		if q.From, err = parseBound(v, false); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from (use RFC 3339 or YYYY-MM-DD)")
			return q, false
		}
	}
	if v := params.Get("to"); v != "" {
		if q.To, err = parseBound(v, true); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to (use RFC 3339 or YYYY-MM-DD)")
			return q, false
		}
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return q, false
		}
		q.Limit = n
	}

	return q, true
}

func parseBound(v string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
