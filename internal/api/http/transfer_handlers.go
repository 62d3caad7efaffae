package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/satp-gateway/satp-gateway/internal/application/dispatcher"
	"github.com/satp-gateway/satp-gateway/internal/application/policy"
	"github.com/satp-gateway/satp-gateway/internal/application/transfer"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// transferCreateRequest is the wire form of a transfer request. The timeout
// budget travels string-encoded ("60s") at this boundary.
type transferCreateRequest struct {
	SessionID            string        `json:"sessionId,omitempty"`
	SourceNetworkID      string        `json:"sourceNetworkId"`
	DestinationNetworkID string        `json:"destinationNetworkId"`
	SourceAsset          session.Asset `json:"sourceAsset"`
	DestinationAsset     session.Asset `json:"destinationAsset"`
	MaxRetries           int           `json:"maxRetries,omitempty"`
	MaxTimeout           string        `json:"maxTimeout,omitempty"`
}

func (s *Server) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var maxTimeout time.Duration
	if req.MaxTimeout != "" {
		parsed, err := time.ParseDuration(req.MaxTimeout)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid maxTimeout")
			return
		}
		maxTimeout = parsed
	}

	sess, err := s.dispatcherSvc.Transact(r.Context(), dispatcher.TransferRequest{
		SessionID:            req.SessionID,
		SourceNetworkID:      req.SourceNetworkID,
		DestinationNetworkID: req.DestinationNetworkID,
		SourceAsset:          req.SourceAsset,
		DestinationAsset:     req.DestinationAsset,
		MaxRetries:           req.MaxRetries,
		MaxTimeout:           maxTimeout,
	})
	if err != nil {
		respondTransferError(w, sess, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) resumeTransfer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	sess, err := s.dispatcherSvc.Resume(r.Context(), sessionID)
	if err != nil {
		respondTransferError(w, sess, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) getTransferStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if h, ok := s.manager.Sessions()[sessionID]; ok {
		respondJSON(w, http.StatusOK, h)
		return
	}
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, transfer.SessionHandle{
		SessionID: sess.SessionID,
		Running:   false,
		Stage:     sess.Stage,
		Status:    sess.Status,
	})
}

func (s *Server) listTransfers(w http.ResponseWriter, _ *http.Request) {
	handles := s.manager.Sessions()
	out := make([]transfer.SessionHandle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transfers": out})
}

func (s *Server) removeTransfer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := s.manager.Remove(sessionID); err != nil {
		respondTransferError(w, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessionId": sessionID, "removed": true})
}

func (s *Server) dispatchMessage(w http.ResponseWriter, r *http.Request) {
	var msg transfer.InboundMessage
	if err := decodeBody(r, &msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	msg.SessionID = chi.URLParam(r, "sessionId")
	if msg.Type == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "type is required")
		return
	}
	if err := s.manager.Dispatch(msg); err != nil {
		respondTransferError(w, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessionId": msg.SessionID, "accepted": true})
}

func (s *Server) getTransferAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	entries, err := s.auditSvc.History(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessionId": sessionID, "entries": entries})
}

func (s *Server) verifyTransferAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	valid, err := s.auditSvc.VerifySession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessionId": sessionID, "valid": valid})
}

func (s *Server) listNetworks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"networks": s.ledgers.Networks()})
}

func (s *Server) getApproveAddress(w http.ResponseWriter, r *http.Request) {
	networkID := r.URL.Query().Get("networkId")
	if networkID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "networkId required")
		return
	}
	tokenType := r.URL.Query().Get("tokenType")
	addr, err := s.dispatcherSvc.ApproveAddress(r.Context(), networkID, tokenType)
	if err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"networkId": networkID, "approveAddress": addr})
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := uuid.New().String()
	events := s.sseHub.Subscribe(clientID, r.URL.Query().Get("sessionId"))
	defer s.sseHub.Unsubscribe(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// respondTransferError maps engine errors to HTTP statuses. A terminal
// session is included alongside the error when the transfer ran but failed.
func respondTransferError(w http.ResponseWriter, sess *session.Data, err error) {
	var rejection *policy.RejectionError
	if errors.As(err, &rejection) {
		respondError(w, http.StatusForbidden, "POLICY_REJECTED", err.Error())
		return
	}
	var busy *transfer.SessionBusyError
	if errors.As(err, &busy) {
		respondError(w, http.StatusConflict, "SESSION_BUSY", err.Error())
		return
	}
	var invalid *transfer.InvalidStateError
	if errors.As(err, &invalid) {
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
		return
	}
	if errors.Is(err, transfer.ErrSessionNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	var transact *transfer.TransactError
	if errors.As(err, &transact) {
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "TRANSFER_FAILED",
			"message": err.Error(),
			"session": sess,
		})
		return
	}
	var persistence *transfer.PersistenceError
	if errors.As(err, &persistence) {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
}
