package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"drone_telemetry/internal/ingest"
	"drone_telemetry/internal/validation"
)

// IngestResponse is the body of a successful ingestion.
type IngestResponse struct {
	Response string `json:"response"`
	Degraded bool   `json:"degraded,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	name := "body"
	payload := body
	if s.mode == ModeWrapped {
		name = s.wrapperField
		var ok bool
		payload, ok = unwrap(r.Header.Get("Content-Type"), body, s.wrapperField)
		if !ok {
			writeJSON(w, http.StatusBadRequest, []validation.Violation{{
				InstancePath: "",
				SchemaPath:   "#/required",
				Keyword:      validation.KeywordRequired,
				Params:       map[string]any{"missingProperty": s.wrapperField},
				Message:      s.wrapperField + " key is missing",
			}})
			return
		}
	}

	res, err := s.ingester.Ingest(r.Context(), payload)
	if err != nil {
		var (
			malformed *ingest.MalformedPayloadError
			invalid   *ingest.ValidationError
		)
		switch {
		case errors.As(err, &malformed):
			writeJSON(w, http.StatusBadRequest, []validation.Violation{{
				InstancePath: "",
				SchemaPath:   "#/type",
				Keyword:      validation.KeywordType,
				Params:       map[string]any{"type": "array"},
				Message:      malformedMessage(name, malformed),
			}})
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, invalid.Records)
		default:
			s.logger.Error("error saving data", "error", err)
			http.Error(w, "Error saving data", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, IngestResponse{
		Response: "Data saved successfully",
		Degraded: res.Degraded,
	})
}

func malformedMessage(name string, err *ingest.MalformedPayloadError) string {
	switch err.Reason {
	case "not valid JSON":
		return name + " must be a valid JSON array"
	case "empty batch":
		return name + " must be a non-empty array"
	default:
		return name + " must be an array"
	}
}

// unwrap extracts the batch from a wrapped body: either a form field or a
// JSON object member. A string member holds the encoded array; any other
// JSON value is passed through as is. An absent or empty field reports
// false.
func unwrap(contentType string, body []byte, field string) ([]byte, bool) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, false
		}
		v := vals.Get(field)
		return []byte(v), v != ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	raw, ok := obj[field]
	if !ok || string(raw) == "null" {
		return nil, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), s != ""
	}
	return raw, true
}
