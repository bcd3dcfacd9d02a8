// Package api exposes the logical submission API of spec §6 over HTTP,
// routed with gorilla/mux (the teacher's router of choice across its own
// gateway and marble services). It is a thin transport binding: every
// handler does nothing but decode/validate the wire shape and call
// straight through to the Engine's dispatcher, registry, queues, cache,
// alert registry and content store.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nodalwatch/ace/internal/engine"
	"github.com/nodalwatch/ace/pkg/metrics"
)

// Server is the HTTP binding of an Engine.
type Server struct {
	engine *engine.Engine
	router *mux.Router
}

// New builds a Server wired to eng, with every route registered.
func New(eng *engine.Engine) *Server {
	s := &Server{engine: eng, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the http.Handler to pass to http.Server, instrumented
// with pkg/metrics and gated by the configured auth middleware.
func (s *Server) Handler() http.Handler {
	auth := authMiddleware(s.engine.Config.Auth)
	return metrics.InstrumentHandler(auth(s.router))
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/roots", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/roots/{uuid}", s.handleGetRoot).Methods(http.MethodGet)
	r.HandleFunc("/analysis-details/{uuid}", s.handleGetAnalysisDetails).Methods(http.MethodGet)

	r.HandleFunc("/module-types", s.handleRegisterModuleType).Methods(http.MethodPost)
	r.HandleFunc("/module-types", s.handleListModuleTypes).Methods(http.MethodGet)
	r.HandleFunc("/module-types/{name}", s.handleGetModuleType).Methods(http.MethodGet)
	r.HandleFunc("/module-types/{name}", s.handleDeleteModuleType).Methods(http.MethodDelete)

	r.HandleFunc("/queues/{amt}/next", s.handleGetNextAnalysisRequest).Methods(http.MethodGet)
	r.HandleFunc("/queues/{amt}/size", s.handleGetQueueSize).Methods(http.MethodGet)
	r.HandleFunc("/analysis-requests/result", s.handleProcessAnalysisRequest).Methods(http.MethodPost)
	r.HandleFunc("/cache/{amt}", s.handleGetCachedAnalysisResult).Methods(http.MethodGet)

	r.HandleFunc("/alert-systems/{name}", s.handleRegisterAlertSystem).Methods(http.MethodPost)
	r.HandleFunc("/alert-systems/{name}/alerts", s.handleGetAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alert-systems/{name}/count", s.handleGetAlertCount).Methods(http.MethodGet)

	r.HandleFunc("/content", s.handleStoreContent).Methods(http.MethodPost)
	r.HandleFunc("/content/file", s.handleStoreFile).Methods(http.MethodPost)
	r.HandleFunc("/content/expired", s.handleIterExpiredContent).Methods(http.MethodGet)
	r.HandleFunc("/content/expired", s.handleDeleteExpiredContent).Methods(http.MethodDelete)
	r.HandleFunc("/content/{sha256}/bytes", s.handleGetContentBytes).Methods(http.MethodGet)
	r.HandleFunc("/content/{sha256}/stream", s.handleGetContentBytes).Methods(http.MethodGet)
	r.HandleFunc("/content/{sha256}/meta", s.handleGetContentMeta).Methods(http.MethodGet)
	r.HandleFunc("/content/{sha256}", s.handleDeleteContent).Methods(http.MethodDelete)

	r.HandleFunc("/metrics", metrics.Handler().ServeHTTP).Methods(http.MethodGet)
}
