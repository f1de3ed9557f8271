package api

import (
	"log/slog"
	"net/http"

	"github.com/formbridge/formbridge/pkg/registry"
	"github.com/formbridge/formbridge/pkg/submission"
	"github.com/formbridge/formbridge/pkg/uploads"
)

// Server binds the protocol engine to HTTP routes.
type Server struct {
	manager  *submission.Manager
	registry *registry.Registry
	dev      *uploads.FileBackend // non-nil only with the file upload backend
	logger   *slog.Logger
}

// NewServer creates the HTTP adapter. dev may be nil.
func NewServer(m *submission.Manager, reg *registry.Registry, dev *uploads.FileBackend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: m, registry: reg, dev: dev, logger: logger}
}

// Handler builds the routed handler with the standard middleware chain.
// limiter may be nil to disable rate limiting (tests).
func (s *Server) Handler(limiter Limiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /intake/{intakeId}/submissions", s.handleCreate)
	mux.HandleFunc("GET /intake/{intakeId}/submissions/{id}", s.handleGet)
	mux.HandleFunc("PATCH /intake/{intakeId}/submissions/{id}", s.handleSetFields)
	mux.HandleFunc("POST /intake/{intakeId}/submissions/{id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /intake/{intakeId}/submissions/{id}/uploads", s.handleRequestUpload)
	mux.HandleFunc("POST /intake/{intakeId}/submissions/{id}/uploads/{uploadId}/confirm", s.handleConfirmUpload)

	mux.HandleFunc("POST /submissions/{id}/approve", s.reviewHandler("approve"))
	mux.HandleFunc("POST /submissions/{id}/reject", s.reviewHandler("reject"))
	mux.HandleFunc("POST /submissions/{id}/request-changes", s.reviewHandler("request_changes"))
	mux.HandleFunc("POST /submissions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /submissions/{id}/retry-delivery", s.handleRetryDelivery)
	mux.HandleFunc("POST /submissions/{id}/handoff", s.handleHandoff)
	mux.HandleFunc("GET /submissions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /submissions/{id}/events/export", s.handleExport)

	// Resume routes live at the root: the handoff link is
	// {baseUrl}/resume?token=..., and the path form takes the token as its
	// final segment.
	mux.HandleFunc("GET /resume", s.handlePeek)
	mux.HandleFunc("GET /resume/{resumeToken}", s.handlePeek)
	mux.HandleFunc("POST /resume/{resumeToken}/resumed", s.handleResumed)

	mux.HandleFunc("POST /intakes", s.handleRegisterIntake)
	mux.HandleFunc("GET /intakes", s.handleListIntakes)
	mux.HandleFunc("GET /intakes/{id}", s.handleGetIntake)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.dev != nil {
		mux.HandleFunc("PUT "+uploads.DevUploadPathPrefix+"{key...}", s.handleDevUpload)
	}

	var h http.Handler = mux
	if limiter != nil {
		h = RateLimit(limiter, s.logger)(h)
	}
	h = Logging(s.logger)(h)
	h = RequestID(h)
	return h
}
