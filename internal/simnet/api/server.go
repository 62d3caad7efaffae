package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"

	"github.com/satp-gateway/satp-gateway/internal/simnet/consensus"
	"github.com/satp-gateway/satp-gateway/internal/simnet/protocol"
)

// Server provides HTTP endpoints for one simnet node.
type Server struct {
	node *consensus.Node
}

func NewServer(node *consensus.Node) *Server {
	return &Server{node: node}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/v1/simnet", func(r chi.Router) {
		r.Post("/commands", s.submitCommand)
		r.Get("/balances/{tokenType}/{account}", s.getBalance)
		r.Get("/locks/{sessionId}", s.getLock)
		r.Get("/mints/{sessionId}", s.getMint)
		r.Get("/burns/{sessionId}", s.getBurn)
		r.Get("/raft", s.raftStatus)
		r.Post("/raft/join", s.raftJoin)
		r.Post("/raft/remove", s.raftRemove)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.node.ID(),
		"state":    s.node.State(),
		"leader":   s.node.LeaderAddr(),
		"leaderId": s.node.LeaderNodeID(),
		"height":   s.node.Machine().Height(),
	})
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		respondError(w, http.StatusConflict, "NOT_LEADER", "submit to leader", map[string]any{
			"leader":    s.node.LeaderAddr(),
			"leader_id": s.node.LeaderNodeID(),
		})
		return
	}
	var cmd protocol.Command
	if err := decodeBody(r, &cmd); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.Apply(r.Context(), cmd); err != nil {
		if isLeadershipErr(err) {
			respondError(w, http.StatusConflict, "NOT_LEADER", err.Error(), map[string]any{
				"leader":    s.node.LeaderAddr(),
				"leader_id": s.node.LeaderNodeID(),
			})
			return
		}
		respondError(w, http.StatusBadRequest, "COMMAND_REJECTED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tx_id":      cmd.TxID,
		"session_id": cmd.SessionID,
		"status":     "APPLIED",
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	tokenType := strings.TrimSpace(chi.URLParam(r, "tokenType"))
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	if tokenType == "" || account == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "tokenType and account are required", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token_type": tokenType,
		"account":    account,
		"balance":    s.node.Machine().BalanceOf(tokenType, account),
	})
}

func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	lock, ok := s.node.Machine().LockOf(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no lock for session", nil)
		return
	}
	respondJSON(w, http.StatusOK, lock)
}

func (s *Server) getMint(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	mint, ok := s.node.Machine().MintOf(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no mint for session", nil)
		return
	}
	respondJSON(w, http.StatusOK, mint)
}

func (s *Server) getBurn(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	burn, ok := s.node.Machine().BurnOf(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no burn for session", nil)
		return
	}
	respondJSON(w, http.StatusOK, burn)
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		respondError(w, http.StatusConflict, "NOT_LEADER", "submit to leader", map[string]any{
			"leader":    s.node.LeaderAddr(),
			"leader_id": s.node.LeaderNodeID(),
		})
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			respondError(w, http.StatusConflict, "NOT_LEADER", err.Error(), map[string]any{
				"leader":    s.node.LeaderAddr(),
				"leader_id": s.node.LeaderNodeID(),
			})
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		respondError(w, http.StatusConflict, "NOT_LEADER", "submit to leader", map[string]any{
			"leader":    s.node.LeaderAddr(),
			"leader_id": s.node.LeaderNodeID(),
		})
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			respondError(w, http.StatusConflict, "NOT_LEADER", err.Error(), map[string]any{
				"leader":    s.node.LeaderAddr(),
				"leader_id": s.node.LeaderNodeID(),
			})
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
