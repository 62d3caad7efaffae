package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appAudit "github.com/satp-gateway/satp-gateway/internal/application/audit"
	"github.com/satp-gateway/satp-gateway/internal/application/dispatcher"
	"github.com/satp-gateway/satp-gateway/internal/application/transfer"
	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	dispatcherSvc *dispatcher.Service
	manager       *transfer.Manager
	auditSvc      *appAudit.Service
	sessions      session.Repository
	ledgers       *ledger.Registry
	sseHub        *sse.Hub
}

func NewServer(
	dispatcherSvc *dispatcher.Service,
	manager *transfer.Manager,
	auditSvc *appAudit.Service,
	sessions session.Repository,
	ledgers *ledger.Registry,
	sseHub *sse.Hub,
) *Server {
	return &Server{
		dispatcherSvc: dispatcherSvc,
		manager:       manager,
		auditSvc:      auditSvc,
		sessions:      sessions,
		ledgers:       ledgers,
		sseHub:        sseHub,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		// Transfers can outlive the default handler timeout; only the
		// read-side routes get one.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/transfers", s.listTransfers)
			r.Get("/transfers/{sessionId}", s.getTransfer)
			r.Get("/transfers/{sessionId}/status", s.getTransferStatus)
			r.Get("/transfers/{sessionId}/audit", s.getTransferAudit)
			r.Get("/transfers/{sessionId}/audit/verify", s.verifyTransferAudit)
			r.Get("/networks", s.listNetworks)
			r.Get("/approve-address", s.getApproveAddress)
		})

		r.Post("/transfers", s.createTransfer)
		r.Post("/transfers/{sessionId}/resume", s.resumeTransfer)
		r.Delete("/transfers/{sessionId}", s.removeTransfer)
		r.Post("/transfers/{sessionId}/messages", s.dispatchMessage)

		r.Get("/transfers/events", s.sseEndpoint)
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
