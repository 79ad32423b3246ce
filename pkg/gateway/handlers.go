package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/transport/loopback"
)

const maxBodyBytes = 64 << 10

type createSessionRequest struct {
	Transport string `json:"transport"`
	// Initialize defaults to true.
	Initialize *bool `json:"initialize,omitempty"`
}

type sendMessageRequest struct {
	ContactID string `json:"contactId"`
	Text      string `json:"text"`
}

type inboundRequest struct {
	ID        string        `json:"id,omitempty"`
	ContactID string        `json:"contactId"`
	Text      string        `json:"text"`
	Sender    bridge.Sender `json:"sender"`
	// Wait runs the message through the pipeline synchronously and returns
	// the outcome instead of queueing it on the session inbox.
	Wait bool `json:"wait,omitempty"`
}

type pairRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Transport) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "transport is required")
		return
	}

	snap, err := s.registry.Create(r.Context(), req.Transport)
	if err != nil {
		writeFailure(w, err)
		return
	}

	if req.Initialize == nil || *req.Initialize {
		if err := s.registry.Initialize(r.Context(), snap.ID); err != nil {
			writeFailure(w, err)
			return
		}
		if latest, err := s.registry.Get(snap.ID); err == nil {
			snap = latest
		}
	}

	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.registry.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	snap, err := s.registry.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	if err := s.registry.Destroy(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInitializeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	if err := s.registry.Initialize(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	snap, err := s.registry.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ContactID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "contactId and text are required")
		return
	}

	if err := s.registry.Send(r.Context(), id, req.ContactID, req.Text); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if s.loopback == nil {
		writeError(w, http.StatusNotFound, "loopback_disabled", "loopback transport is not enabled")
		return
	}
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}

	var req inboundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ContactID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "contactId and text are required")
		return
	}

	if !s.isLoopbackSession(w, id) {
		return
	}

	msg := bridge.Message{ID: req.ID, ContactID: req.ContactID, Text: req.Text, Sender: req.Sender}
	if req.Wait {
		outcome, err := s.registry.HandleMessage(r.Context(), id, msg)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	queued, err := s.loopback.Inject(r.Context(), id, msg)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "messageId": queued.ID})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if s.loopback == nil {
		writeError(w, http.StatusNotFound, "loopback_disabled", "loopback transport is not enabled")
		return
	}
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}

	var req pairRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !s.isLoopbackSession(w, id) {
		return
	}
	if err := s.loopback.Pair(r.Context(), id, strings.TrimSpace(req.Code)); err != nil {
		observability.RecordSecurityAudit(r.Context(), "pair", id, "failure",
			map[string]interface{}{"remote": r.RemoteAddr, "error": err.Error()})
		writeFailure(w, err)
		return
	}
	observability.RecordSecurityAudit(r.Context(), "pair", id, "success",
		map[string]interface{}{"remote": r.RemoteAddr})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "paired"})
}

// pathSessionID rejects malformed ids before they reach the registry.
func pathSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !bridge.IsValidSessionID(id) {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "malformed session id")
		return "", false
	}
	return id, true
}

func (s *Server) isLoopbackSession(w http.ResponseWriter, id string) bool {
	snap, err := s.registry.Get(id)
	if err != nil {
		writeFailure(w, err)
		return false
	}
	if snap.Transport != loopback.Name {
		writeError(w, http.StatusBadRequest, "wrong_transport",
			fmt.Sprintf("session uses the %s transport", snap.Transport))
		return false
	}
	return true
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": s.hub.Clients()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// statusFor maps registry and transport errors to HTTP statuses.
func statusFor(err error) (int, string) {
	var deliveryErr *bridge.DeliveryError
	switch {
	case errors.As(err, &deliveryErr):
		return http.StatusBadGateway, "delivery_failed"
	case errors.Is(err, bridge.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, bridge.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, bridge.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, bridge.ErrUnknownTransport):
		return http.StatusBadRequest, "unknown_transport"
	case errors.Is(err, bridge.ErrMissingCredential):
		return http.StatusUnprocessableEntity, "missing_credential"
	case errors.Is(err, bridge.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, loopback.ErrWrongCode):
		return http.StatusForbidden, "wrong_code"
	case errors.Is(err, loopback.ErrNotConnected),
		errors.Is(err, loopback.ErrNotPaired),
		errors.Is(err, loopback.ErrAlreadyPaired):
		return http.StatusConflict, "not_paired"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
