package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"

	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/dsl"
	"github.com/cajpany/tinycdp/internal/model"
)

// keyPattern is the identifier grammar for trait keys; segment and flag keys
// share the same shape.
var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validKey(key string) bool { return keyPattern.MatchString(key) }

// --- Traits ---

type traitBody struct {
	Key        string `json:"key"`
	Expression string `json:"expression"`
}

func (s *Server) handleCreateTrait(w http.ResponseWriter, r *http.Request) {
	var body traitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !validKey(body.Key) {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid key or body")
		return
	}
	if !dsl.Validate(body.Expression).Valid {
		writeError(w, http.StatusBadRequest, "bad_input", "expression does not parse")
		return
	}
	if _, found, _ := s.store.GetTraitDefinition(r.Context(), body.Key); found {
		writeError(w, http.StatusConflict, "conflict", "trait key already exists")
		return
	}
	def := model.TraitDefinition{Key: body.Key, Expression: body.Expression, UpdatedAt: time.Now()}
	if err := s.store.PutTraitDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trait": def})
}

func (s *Server) handleListTraits(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListTraitDefinitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"traits": defs})
}

func (s *Server) handleUpdateTrait(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !dsl.Validate(body.Expression).Valid {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid expression")
		return
	}
	if _, found, _ := s.store.GetTraitDefinition(r.Context(), key); !found {
		writeError(w, http.StatusNotFound, "not_found", "trait not found")
		return
	}
	def := model.TraitDefinition{Key: key, Expression: body.Expression, UpdatedAt: time.Now()}
	if err := s.store.PutTraitDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trait": def})
}

func (s *Server) handleDeleteTrait(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.store.DeleteTraitDefinition(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Segments ---

type segmentBody struct {
	Key  string `json:"key"`
	Rule string `json:"rule"`
}

func (s *Server) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var body segmentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !validKey(body.Key) {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid key or body")
		return
	}
	if !dsl.Validate(body.Rule).Valid {
		writeError(w, http.StatusBadRequest, "bad_input", "rule does not parse")
		return
	}
	if _, found, _ := s.store.GetSegmentDefinition(r.Context(), body.Key); found {
		writeError(w, http.StatusConflict, "conflict", "segment key already exists")
		return
	}
	def := model.SegmentDefinition{Key: body.Key, Rule: body.Rule, UpdatedAt: time.Now()}
	if err := s.store.PutSegmentDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"segment": def})
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListSegmentDefinitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"segments": defs})
}

func (s *Server) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !dsl.Validate(body.Rule).Valid {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid rule")
		return
	}
	if _, found, _ := s.store.GetSegmentDefinition(r.Context(), key); !found {
		writeError(w, http.StatusNotFound, "not_found", "segment not found")
		return
	}
	def := model.SegmentDefinition{Key: key, Rule: body.Rule, UpdatedAt: time.Now()}
	if err := s.store.PutSegmentDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"segment": def})
}

func (s *Server) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.store.DeleteSegmentDefinition(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Flags ---

type flagBody struct {
	Key  string `json:"key"`
	Rule string `json:"rule"`
}

func (s *Server) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var body flagBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !validKey(body.Key) {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid key or body")
		return
	}
	if !decision.ValidateRule(body.Rule).Valid {
		writeError(w, http.StatusBadRequest, "bad_input", "rule does not parse")
		return
	}
	if _, found, _ := s.store.GetFlagDefinition(r.Context(), body.Key); found {
		writeError(w, http.StatusConflict, "conflict", "flag key already exists")
		return
	}
	def := model.FlagDefinition{Key: body.Key, Rule: body.Rule}
	if err := s.store.PutFlagDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flag": def})
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListFlagDefinitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": defs})
}

func (s *Server) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !decision.ValidateRule(body.Rule).Valid {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid rule")
		return
	}
	if _, found, _ := s.store.GetFlagDefinition(r.Context(), key); !found {
		writeError(w, http.StatusNotFound, "not_found", "flag not found")
		return
	}
	def := model.FlagDefinition{Key: key, Rule: body.Rule}
	if err := s.store.PutFlagDefinition(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	// This handler does not purge the decision cache itself, so cached verdicts can
	// survive for up to the TTL. With the Postgres backend, PutFlagDefinition's NOTIFY
	// lets internal/store/pgnotify invalidate this flag's cached verdicts on every
	// listening instance, this one included.
	writeJSON(w, http.StatusOK, map[string]interface{}{"flag": def})
}

func (s *Server) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.store.DeleteFlagDefinition(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Validate ---

type validateBody struct {
	Expression string `json:"expression"`
	Type       string `json:"type"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body validateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_input", "invalid JSON body")
		return
	}
	result := dsl.Validate(body.Expression)
	writeJSON(w, http.StatusOK, result)
}

// --- Users ---

func (s *Server) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	// The store interface does not expose a general user-search query; this returns
	// the stubbed-but-real response shape.
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": []interface{}{}, "total": 0, "hasMore": false})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	traits, err := s.store.GetUserTraits(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	segs, err := s.store.GetUserSegments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"userId": id, "traits": traits, "segments": segs})
}

// --- Metrics ---

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// --- Export ---

func (s *Server) handleExportSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if _, found, err := s.store.GetSegmentDefinition(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "not_found", "segment not found")
		return
	}
	// There is no file upload/serving infrastructure here, and the store boundary
	// has no "list every user in a segment" query (cross-user aggregates are out of
	// scope), so this cannot enumerate real rows. It still renders the real CSV
	// header via FormatSegmentCSV so the column order/quoting contract is exercised
	// end to end, and returns the real response shape with a stubbed local-file
	// downloadUrl.
	filename := key + ".csv"
	body := FormatSegmentCSV(nil)
	s.log.Debugf("export %s: rendered %d bytes of CSV header (no rows, no row-enumeration query)", filename, len(body))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"downloadUrl": "file:///exports/" + filename,
		"filename":    filename,
		"userCount":   0,
	})
}
