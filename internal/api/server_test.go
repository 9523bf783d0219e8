package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/usage"
)

type fakeResponder struct {
	mu sync.Mutex

	resp    *chat.Response
	err     error
	consent *chat.Response
	video   *chat.GeneratedVideo

	turns    []chat.Turn
	sessions [][]chat.Message
	conns    [][]chat.Connection
	actions  []*chat.PendingAction
	polled   []string
}

func (f *fakeResponder) Respond(_ context.Context, turn chat.Turn, session []chat.Message, conns []chat.Connection) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	f.sessions = append(f.sessions, session)
	f.conns = append(f.conns, conns)
	if f.resp == nil {
		return &chat.Response{Text: "reply to " + turn.Prompt}, f.err
	}
	return f.resp, f.err
}

func (f *fakeResponder) RespondAfterConsent(_ context.Context, action *chat.PendingAction, session []chat.Message, _ []chat.Connection) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.sessions = append(f.sessions, session)
	if f.consent == nil {
		return &chat.Response{Text: "done"}, nil
	}
	return f.consent, nil
}

func (f *fakeResponder) CheckVideo(_ context.Context, op string) (*chat.GeneratedVideo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, op)
	if f.video == nil {
		return nil, errors.New("poll failed")
	}
	return f.video, nil
}

type fakeSpeaker struct {
	mu      sync.Mutex
	spoken  []string
	stopped int
}

func (f *fakeSpeaker) Speak(text string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	return uint64(len(f.spoken))
}

func (f *fakeSpeaker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type fakeFacts struct {
	facts []*memory.Fact
	err   error
}

func (f fakeFacts) List(_ context.Context, limit int) ([]*memory.Fact, error) {
	if len(f.facts) > limit {
		return f.facts[:limit], f.err
	}
	return f.facts, f.err
}

func newTestServer(r Responder) *Server {
	return NewServer("127.0.0.1", 0, r, nil, slog.Default())
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeTurn(t *testing.T, rec *httptest.ResponseRecorder) TurnResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestRespond_SessionLifecycle(t *testing.T) {
	fr := &fakeResponder{}
	s := newTestServer(fr)
	h := s.Handler()

	first := decodeTurn(t, do(t, h, http.MethodPost, "/v1/respond", RespondRequest{Prompt: "hello"}))
	if first.SessionID == "" {
		t.Fatal("no session ID assigned")
	}
	if first.Message.Author != chat.AuthorAI || first.Message.Text != "reply to hello" {
		t.Errorf("message = %+v", first.Message)
	}

	second := decodeTurn(t, do(t, h, http.MethodPost, "/v1/respond", RespondRequest{SessionID: first.SessionID, Prompt: "again"}))
	if second.SessionID != first.SessionID {
		t.Errorf("session = %q, want %q", second.SessionID, first.SessionID)
	}

	if len(fr.sessions) != 2 {
		t.Fatalf("Respond called %d times", len(fr.sessions))
	}
	if len(fr.sessions[0]) != 0 {
		t.Errorf("first turn saw %d prior messages", len(fr.sessions[0]))
	}
	prior := fr.sessions[1]
	if len(prior) != 2 || prior[0].Text != "hello" || prior[1].Text != "reply to hello" {
		t.Errorf("second turn history = %+v", prior)
	}

	rec := do(t, h, http.MethodGet, "/v1/sessions/"+first.SessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session get status = %d", rec.Code)
	}
	var got struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Messages) != 4 {
		t.Errorf("session has %d messages, want 4", len(got.Messages))
	}

	if rec := do(t, h, http.MethodGet, "/v1/sessions/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
}

func TestRespond_Validation(t *testing.T) {
	h := newTestServer(&fakeResponder{}).Handler()

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "bad json", body: "{", want: http.StatusBadRequest},
		{name: "empty prompt", body: RespondRequest{Prompt: "  "}, want: http.StatusBadRequest},
		{name: "media only", body: RespondRequest{Media: &chat.Media{Kind: chat.MediaImage, MIMEType: "image/png", Data: []byte{1}}}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/v1/respond", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRespond_Connections(t *testing.T) {
	fr := &fakeResponder{}
	s := newTestServer(fr)
	s.SetConnections(func() []chat.Connection {
		return []chat.Connection{{ID: "email", Connected: true}}
	})
	h := s.Handler()

	do(t, h, http.MethodPost, "/v1/respond", RespondRequest{Prompt: "a"})
	do(t, h, http.MethodPost, "/v1/respond", RespondRequest{Prompt: "b", Connections: []chat.Connection{{ID: "maps"}}})

	if got := fr.conns[0]; len(got) != 1 || got[0].ID != "email" {
		t.Errorf("default connections = %+v", got)
	}
	if got := fr.conns[1]; len(got) != 1 || got[0].ID != "maps" {
		t.Errorf("request connections = %+v", got)
	}
}

func TestRespond_Failure(t *testing.T) {
	fr := &fakeResponder{
		resp: &chat.Response{Text: "sorry", RequiresBillingProject: true},
		err:  errors.New("billing"),
	}
	out := decodeTurn(t, do(t, newTestServer(fr).Handler(), http.MethodPost, "/v1/respond", RespondRequest{Prompt: "draw"}))
	if out.Message.Text != "sorry" || !out.RequiresBillingProject {
		t.Errorf("out = %+v", out)
	}
}

func TestRespond_Speak(t *testing.T) {
	tests := []struct {
		name      string
		resp      *chat.Response
		speak     bool
		wantSpeak bool
	}{
		{name: "spoken", resp: &chat.Response{Text: "It is sunny."}, speak: true, wantSpeak: true},
		{name: "not requested", resp: &chat.Response{Text: "It is sunny."}},
		{name: "empty text", resp: &chat.Response{Text: " "}, speak: true},
		{
			name: "consent request",
			resp: &chat.Response{
				Text:            "May I read your email?",
				RequiresConsent: true,
				Action:          &chat.PendingAction{ToolName: "read_emails"},
			},
			speak: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &fakeSpeaker{}
			s := newTestServer(&fakeResponder{resp: tt.resp})
			s.SetSpeaker(sp)

			out := decodeTurn(t, do(t, s.Handler(), http.MethodPost, "/v1/respond", RespondRequest{Prompt: "q", Speak: tt.speak}))
			if got := len(sp.spoken) == 1; got != tt.wantSpeak {
				t.Errorf("spoken = %v, want %v", sp.spoken, tt.wantSpeak)
			}
			if tt.wantSpeak && out.Generation != 1 {
				t.Errorf("generation = %d, want 1", out.Generation)
			}
			if !tt.wantSpeak && out.Generation != 0 {
				t.Errorf("generation = %d, want 0", out.Generation)
			}
		})
	}
}

// consentSession runs one turn that ends in a consent request and
// returns the session and message IDs.
func consentSession(t *testing.T, h http.Handler) (string, string) {
	t.Helper()
	out := decodeTurn(t, do(t, h, http.MethodPost, "/v1/respond", RespondRequest{Prompt: "check my mail"}))
	if !out.Message.RequiresConsent {
		t.Fatalf("message does not require consent: %+v", out.Message)
	}
	return out.SessionID, out.Message.ID
}

func consentResponder() *fakeResponder {
	return &fakeResponder{
		resp: &chat.Response{
			Text:            "May I read your email?",
			RequiresConsent: true,
			Action:          &chat.PendingAction{ToolName: "read_emails", ToolArgs: map[string]any{"limit": 5}},
		},
		consent: &chat.Response{Text: "You have two new messages."},
	}
}

func TestConsent_Grant(t *testing.T) {
	fr := consentResponder()
	s := newTestServer(fr)
	h := s.Handler()
	sid, mid := consentSession(t, h)

	out := decodeTurn(t, do(t, h, http.MethodPost, "/v1/consent", ConsentRequest{SessionID: sid, MessageID: mid, Granted: true}))
	if out.Message.Text != "You have two new messages." {
		t.Errorf("reply = %q", out.Message.Text)
	}

	if len(fr.actions) != 1 || fr.actions[0].ToolName != "read_emails" {
		t.Fatalf("actions = %+v", fr.actions)
	}
	hist := fr.sessions[len(fr.sessions)-1]
	last := hist[len(hist)-1]
	if last.ID != mid || !last.ConsentGranted || !strings.HasSuffix(last.Text, prompts.ConsentGranted) {
		t.Errorf("consent message passed to responder = %+v", last)
	}

	sess, err := s.sessions.Get(sid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := len(sess.Messages()); n != 3 {
		t.Errorf("session has %d messages, want 3", n)
	}

	// A second answer to the same request is rejected.
	rec := do(t, h, http.MethodPost, "/v1/consent", ConsentRequest{SessionID: sid, MessageID: mid, Granted: true})
	if rec.Code != http.StatusConflict {
		t.Errorf("repeat answer status = %d, want 409", rec.Code)
	}
	if len(fr.actions) != 1 {
		t.Errorf("action ran %d times", len(fr.actions))
	}
}

func TestConsent_Decline(t *testing.T) {
	fr := consentResponder()
	s := newTestServer(fr)
	h := s.Handler()
	sid, mid := consentSession(t, h)

	out := decodeTurn(t, do(t, h, http.MethodPost, "/v1/consent", ConsentRequest{SessionID: sid, MessageID: mid}))
	if out.Message.Text != prompts.ConsentDeclinedReply {
		t.Errorf("reply = %q", out.Message.Text)
	}
	if len(fr.actions) != 0 {
		t.Error("declined action was executed")
	}

	sess, _ := s.sessions.Get(sid)
	msgs := sess.Messages()
	if len(msgs) != 3 {
		t.Fatalf("session has %d messages", len(msgs))
	}
	if msgs[1].ConsentGranted || !strings.HasSuffix(msgs[1].Text, prompts.ConsentDeclined) {
		t.Errorf("declined message = %+v", msgs[1])
	}
}

func TestConsent_Errors(t *testing.T) {
	fr := consentResponder()
	s := newTestServer(fr)
	h := s.Handler()
	sid, mid := consentSession(t, h)

	// A newer turn closes the open request.
	fr.resp = &chat.Response{Text: "fine"}
	decodeTurn(t, do(t, h, http.MethodPost, "/v1/respond", RespondRequest{SessionID: sid, Prompt: "never mind"}))

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "bad json", body: "[", want: http.StatusBadRequest},
		{name: "missing ids", body: ConsentRequest{Granted: true}, want: http.StatusBadRequest},
		{name: "unknown session", body: ConsentRequest{SessionID: "x", MessageID: mid}, want: http.StatusNotFound},
		{name: "unknown message", body: ConsentRequest{SessionID: sid, MessageID: "x"}, want: http.StatusNotFound},
		{name: "superseded", body: ConsentRequest{SessionID: sid, MessageID: mid, Granted: true}, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/v1/consent", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if len(fr.actions) != 0 {
		t.Errorf("actions ran: %+v", fr.actions)
	}
}

func TestVideo(t *testing.T) {
	fr := &fakeResponder{video: &chat.GeneratedVideo{State: chat.VideoReady, URL: "https://example.com/v.mp4"}}
	h := newTestServer(fr).Handler()

	rec := do(t, h, http.MethodGet, "/v1/videos/models/veo/operations/abc123", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var v chat.GeneratedVideo
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.State != chat.VideoReady {
		t.Errorf("state = %q", v.State)
	}
	if len(fr.polled) != 1 || fr.polled[0] != "models/veo/operations/abc123" {
		t.Errorf("polled = %v", fr.polled)
	}

	fr.video = nil
	if rec := do(t, h, http.MethodGet, "/v1/videos/op", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("failed poll status = %d", rec.Code)
	}
}

func TestSpeechEndpoints(t *testing.T) {
	s := newTestServer(&fakeResponder{})
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/v1/speak", map[string]string{"text": "hi"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("speak without speaker = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/speech/stop", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stop without speaker = %d", rec.Code)
	}

	sp := &fakeSpeaker{}
	s.SetSpeaker(sp)

	if rec := do(t, h, http.MethodPost, "/v1/speak", map[string]string{"text": ""}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty speak = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/v1/speak", map[string]string{"text": "Hello there."})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("speak = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if len(sp.spoken) != 1 || sp.spoken[0] != "Hello there." {
		t.Errorf("spoken = %v", sp.spoken)
	}
	if rec := do(t, h, http.MethodPost, "/v1/speech/stop", nil); rec.Code != http.StatusNoContent {
		t.Errorf("stop = %d", rec.Code)
	}
	if sp.stopped != 1 {
		t.Errorf("stopped = %d", sp.stopped)
	}
}

func TestRouterEndpoints(t *testing.T) {
	bare := newTestServer(&fakeResponder{}).Handler()
	for _, path := range []string{"/v1/router/stats", "/v1/router/audit", "/v1/router/explain/x"} {
		if rec := do(t, bare, http.MethodGet, path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s without router = %d", path, rec.Code)
		}
	}

	rtr := router.NewRouter(slog.Default(), router.Config{})
	d := rtr.Route(context.Background(), router.Request{Prompt: "what time is it"})
	h := NewServer("", 0, &fakeResponder{}, rtr, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/router/stats", nil)
	var stats router.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalRequests != 1 {
		t.Errorf("total = %d", stats.TotalRequests)
	}

	rec = do(t, h, http.MethodGet, "/v1/router/audit?limit=5", nil)
	var audit struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &audit); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if audit.Count != 1 {
		t.Errorf("audit count = %d", audit.Count)
	}

	if rec := do(t, h, http.MethodGet, "/v1/router/explain/"+d.RequestID, nil); rec.Code != http.StatusOK {
		t.Errorf("explain = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/router/explain/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("explain missing = %d", rec.Code)
	}
}

func TestMemoryEndpoint(t *testing.T) {
	s := newTestServer(&fakeResponder{})
	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/v1/memory", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without store = %d", rec.Code)
	}

	s.SetFacts(fakeFacts{facts: []*memory.Fact{{Text: "Has a cat"}, {Text: "Vegetarian"}}})
	rec := do(t, h, http.MethodGet, "/v1/memory?limit=1", nil)
	var out struct {
		Count int            `json:"count"`
		Facts []*memory.Fact `json:"facts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || out.Facts[0].Text != "Has a cat" {
		t.Errorf("out = %+v", out)
	}

	s.SetFacts(fakeFacts{err: errors.New("disk")})
	if rec := do(t, h, http.MethodGet, "/v1/memory", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing store = %d", rec.Code)
	}
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestServer(&fakeResponder{}).Handler()

	tests := []struct {
		path string
		want string
	}{
		{path: "/health", want: `"status":"healthy"`},
		{path: "/v1/version", want: `"version"`},
		{path: "/", want: `"name":"Parley"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body %s missing %s", rec.Body.String(), tt.want)
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/v1/ws", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ws without hub = %d", rec.Code)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=-3", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := queryInt(r, "limit", 20); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

type fakeUsage struct {
	err error
}

func (f fakeUsage) Summary(context.Context, time.Time, time.Time) (*usage.Summary, error) {
	return &usage.Summary{TotalRecords: 2, TotalInputTokens: 300}, f.err
}

func (f fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"gemini-2.5-flash": {TotalRecords: 2}}, nil
}

func (f fakeUsage) SummaryByTier(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"default": {TotalRecords: 2}}, nil
}

func TestUsageEndpoint(t *testing.T) {
	s := newTestServer(&fakeResponder{})
	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/v1/usage", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without ledger = %d", rec.Code)
	}

	s.SetUsage(fakeUsage{})
	rec := do(t, h, http.MethodGet, "/v1/usage?hours=6", nil)
	var out struct {
		Hours   int                       `json:"hours"`
		Total   usage.Summary             `json:"total"`
		ByModel map[string]*usage.Summary `json:"by_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Hours != 6 || out.Total.TotalInputTokens != 300 || out.ByModel["gemini-2.5-flash"] == nil {
		t.Errorf("out = %+v", out)
	}

	s.SetUsage(fakeUsage{err: errors.New("locked")})
	if rec := do(t, h, http.MethodGet, "/v1/usage", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing ledger = %d", rec.Code)
	}
}
