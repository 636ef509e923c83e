package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/pipeline"
)

type identifyBody struct {
	DeviceID   string          `json:"deviceId"`
	UserID     string          `json:"userId"`
	ExternalID string          `json:"externalId"`
	Traits     json.RawMessage `json:"traits"`
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var body identifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid JSON body")
		return
	}
	externalID := body.ExternalID
	if externalID == "" {
		externalID = body.UserID
	}

	res, err := s.orchestrator.Identify(r.Context(), pipeline.IdentifyRequest{
		DeviceID:   body.DeviceID,
		ExternalID: externalID,
		Traits:     body.Traits,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"userId": res.UserID, "success": true})
}

type trackBody struct {
	UserID     string          `json:"userId"`
	DeviceID   string          `json:"deviceId"`
	ExternalID string          `json:"externalId"`
	Event      string          `json:"event"`
	Timestamp  string          `json:"ts"`
	Props      json.RawMessage `json:"props"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var body trackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid JSON body")
		return
	}

	var ts *time.Time
	if body.Timestamp != "" {
		parsed, perr := time.Parse(time.RFC3339, body.Timestamp)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "bad_input", "ts must be ISO-8601")
			return
		}
		ts = &parsed
	}

	externalID := body.ExternalID
	if externalID == "" {
		externalID = body.UserID
	}

	res, err := s.orchestrator.Track(r.Context(), pipeline.TrackRequest{
		DeviceID:   body.DeviceID,
		ExternalID: externalID,
		Event:      body.Event,
		Timestamp:  ts,
		Props:      body.Props,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": res.Success, "eventId": res.EventID})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	flag := r.URL.Query().Get("flag")
	if userID == "" || flag == "" {
		writeError(w, http.StatusBadRequest, "bad_input", "userId and flag are required")
		return
	}

	d, err := s.decision.Decide(r.Context(), userID, flag)
	if err != nil {
		if errors.Is(err, decision.ErrFlagNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "flag not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	body := map[string]interface{}{
		"allow":   d.Allow,
		"reasons": reasons,
		"userId":  userID,
		"flag":    flag,
	}
	// variant is reserved in the response shape and only present when a rule
	// produces one; the current grammar never does.
	if d.Variant != nil {
		body["variant"] = *d.Variant
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_input", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
