package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cajpany/tinycdp/internal/credential"
	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/metrics"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/pipeline"
	"github.com/cajpany/tinycdp/internal/store"
)

// Server wires every handler to the subsystems it needs and exposes the assembled
// http.Handler via Router().
type Server struct {
	orchestrator *pipeline.Orchestrator
	decision     *decision.Engine
	store        store.Store
	auth         *credential.Authorizer
	metrics      *metrics.Manager
	log          *logging.Loggers
}

// NewServer constructs a Server.
func NewServer(
	orchestrator *pipeline.Orchestrator,
	decisionEngine *decision.Engine,
	s store.Store,
	auth *credential.Authorizer,
	m *metrics.Manager,
	log *logging.Loggers,
) *Server {
	if log == nil {
		log = logging.NewDisabledLoggers()
	}
	return &Server{orchestrator: orchestrator, decision: decisionEngine, store: s, auth: auth, metrics: m, log: log}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(logging.Middleware(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.RequestCountMiddleware)
	}

	r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	r.Handle("/v1/identify", RequireAuth(s.auth, model.APIKeyWrite)(http.HandlerFunc(s.handleIdentify))).Methods(http.MethodPost)
	r.Handle("/v1/track", RequireAuth(s.auth, model.APIKeyWrite)(http.HandlerFunc(s.handleTrack))).Methods(http.MethodPost)
	r.Handle("/v1/decide", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleDecide))).Methods(http.MethodGet)

	r.Handle("/v1/admin/traits", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleCreateTrait))).Methods(http.MethodPost)
	r.Handle("/v1/admin/traits", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleListTraits))).Methods(http.MethodGet)
	r.Handle("/v1/admin/traits/{key}", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleUpdateTrait))).Methods(http.MethodPut)
	r.Handle("/v1/admin/traits/{key}", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleDeleteTrait))).Methods(http.MethodDelete)

	r.Handle("/v1/admin/segments", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleCreateSegment))).Methods(http.MethodPost)
	r.Handle("/v1/admin/segments", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleListSegments))).Methods(http.MethodGet)
	r.Handle("/v1/admin/segments/{key}", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleUpdateSegment))).Methods(http.MethodPut)
	r.Handle("/v1/admin/segments/{key}", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleDeleteSegment))).Methods(http.MethodDelete)

	r.Handle("/v1/admin/flags", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleCreateFlag))).Methods(http.MethodPost)
	r.Handle("/v1/admin/flags", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleListFlags))).Methods(http.MethodGet)
	r.Handle("/v1/admin/flags/{key}", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleUpdateFlag))).Methods(http.MethodPut)
	r.Handle("/v1/admin/flags/{key}", RequireAuth(s.auth, model.APIKeyAdmin)(http.HandlerFunc(s.handleDeleteFlag))).Methods(http.MethodDelete)

	r.Handle("/v1/admin/validate", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleValidate))).Methods(http.MethodPost)
	r.Handle("/v1/admin/users/search", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleUserSearch))).Methods(http.MethodGet)
	r.Handle("/v1/admin/users/{id}", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleGetUser))).Methods(http.MethodGet)
	r.Handle("/v1/admin/metrics", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleMetrics))).Methods(http.MethodGet)

	r.Handle("/v1/export/segment/{key}", RequireAuth(s.auth, model.APIKeyRead)(http.HandlerFunc(s.handleExportSegment))).Methods(http.MethodGet)

	return r
}
