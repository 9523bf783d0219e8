package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/prompts"
)

// maxRequestBytes bounds request bodies. Attached media travels inline
// as base64.
const maxRequestBytes = 32 << 20

// RespondRequest is the body of POST /v1/respond.
type RespondRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	Prompt      string            `json:"prompt"`
	Media       *chat.Media       `json:"media,omitempty"`
	Options     *chat.TurnOptions `json:"options,omitempty"`
	Connections []chat.Connection `json:"connections,omitempty"`
	Speak       bool              `json:"speak,omitempty"`
}

// ConsentRequest is the body of POST /v1/consent.
type ConsentRequest struct {
	SessionID   string            `json:"session_id"`
	MessageID   string            `json:"message_id"`
	Granted     bool              `json:"granted"`
	Connections []chat.Connection `json:"connections,omitempty"`
	Speak       bool              `json:"speak,omitempty"`
}

// TurnResponse is returned by the respond and consent endpoints.
// Generation is the speech generation started for the reply, if any.
type TurnResponse struct {
	SessionID              string       `json:"session_id"`
	Message                chat.Message `json:"message"`
	LearnedFacts           []string     `json:"learned_facts,omitempty"`
	RequiresBillingProject bool         `json:"requires_billing_project,omitempty"`
	Model                  string       `json:"model,omitempty"`
	Generation             uint64       `json:"generation,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) connections(conns []chat.Connection) []chat.Connection {
	if conns != nil {
		return conns
	}
	return s.conns()
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && req.Media == nil {
		s.errorResponse(w, http.StatusBadRequest, "prompt or media is required")
		return
	}

	id, sess := s.sessions.Open(req.SessionID)
	sess.turn.Lock()
	defer sess.turn.Unlock()

	turn := chat.Turn{Prompt: req.Prompt, Media: req.Media, Options: req.Options}
	resp, err := s.responder.Respond(r.Context(), turn, sess.Messages(), s.connections(req.Connections))
	if err != nil {
		s.logger.Warn("respond failed", "session", id, "error", err)
	}
	if resp == nil {
		s.errorResponse(w, http.StatusInternalServerError, "no response produced")
		return
	}

	reply := chat.NewAIMessage(resp)
	sess.append(chat.NewUserMessage(turn), reply)

	out := TurnResponse{
		SessionID:              id,
		Message:                reply,
		LearnedFacts:           resp.LearnedFacts,
		RequiresBillingProject: resp.RequiresBillingProject,
		Model:                  resp.Model,
	}
	if req.Speak && !reply.RequiresConsent {
		out.Generation = s.speak(reply.Text)
	}
	writeJSON(w, out, s.logger)
}

// errNotAnswerable is returned when a consent answer targets a message
// that is not the open consent request at the end of its session.
var errNotAnswerable = errors.New("message is not awaiting consent")

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.MessageID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id and message_id are required")
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	sess.turn.Lock()
	defer sess.turn.Unlock()

	var action *chat.PendingAction
	found, err := sess.update(req.MessageID, func(m *chat.Message, last bool) error {
		if !last || !m.AwaitingConsent() {
			return errNotAnswerable
		}
		action = m.Action
		if req.Granted {
			m.GrantConsent(prompts.ConsentGranted)
		} else {
			m.DeclineConsent(prompts.ConsentDeclined)
		}
		return nil
	})
	switch {
	case !found:
		s.errorResponse(w, http.StatusNotFound, "message not found")
		return
	case err != nil:
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}

	var resp *chat.Response
	if req.Granted {
		resp, err = s.responder.RespondAfterConsent(r.Context(), action, sess.Messages(), s.connections(req.Connections))
		if err != nil {
			s.logger.Warn("consented action failed", "session", req.SessionID, "tool", action.ToolName, "error", err)
		}
	} else {
		resp = agent.DeclineResponse()
	}
	if resp == nil {
		s.errorResponse(w, http.StatusInternalServerError, "no response produced")
		return
	}

	reply := chat.NewAIMessage(resp)
	sess.append(reply)

	out := TurnResponse{
		SessionID:              req.SessionID,
		Message:                reply,
		LearnedFacts:           resp.LearnedFacts,
		RequiresBillingProject: resp.RequiresBillingProject,
		Model:                  resp.Model,
	}
	if req.Speak && !reply.RequiresConsent {
		out.Generation = s.speak(reply.Text)
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	msgs := sess.Messages()
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, map[string]any{
		"session_id": id,
		"messages":   msgs,
	}, s.logger)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("operation")
	if op == "" {
		s.errorResponse(w, http.StatusBadRequest, "operation is required")
		return
	}
	v, err := s.responder.CheckVideo(r.Context(), op)
	if err != nil {
		s.logger.Warn("video poll failed", "operation", op, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "video status unavailable")
		return
	}
	writeJSON(w, v, s.logger)
}
