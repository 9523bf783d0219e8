package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestClassifyGeminiError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"unavailable", genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "overloaded"}, KindOverloaded},
		{"rate limited", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, KindRateLimited},
		{"permission", genai.APIError{Code: 403, Status: "PERMISSION_DENIED"}, KindBilling},
		{"billing precondition", genai.APIError{Code: 400, Status: "FAILED_PRECONDITION", Message: "Billing account required"}, KindBilling},
		{"bad request", genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}, KindFatal},
		{"pointer form", &genai.APIError{Code: 503}, KindOverloaded},
		{"wrapped", fmt.Errorf("call: %w", genai.APIError{Code: 429}), KindRateLimited},
		{"transport", errors.New("connection reset"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGeminiError(tt.err)
			if k := KindOf(got); k != tt.want {
				t.Errorf("kind = %v, want %v (err: %v)", k, tt.want, got)
			}
		})
	}
}

func TestClassifyGeminiError_KeepsGatewayError(t *testing.T) {
	orig := &Error{Kind: KindBilling, Message: "already classified"}
	if got := classifyGeminiError(orig); got != orig {
		t.Errorf("classifyGeminiError re-wrapped a gateway error: %v", got)
	}
}

func TestGeminiContents(t *testing.T) {
	in := []Content{
		{Role: RoleUser, Parts: []Part{
			{Text: "what is this?"},
			{Blob: &Blob{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}},
		}},
		{Role: RoleModel, Parts: []Part{{Text: ""}}},
		FunctionCallContent("remember_fact", map[string]any{"fact": "likes tea"}),
		FunctionResponseContent("remember_fact", map[string]any{"result": "ok"}),
	}

	out := geminiContents(in)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (empty content dropped)", len(out))
	}

	if out[0].Role != "user" || len(out[0].Parts) != 2 {
		t.Fatalf("content 0 = %+v", out[0])
	}
	if blob := out[0].Parts[1].InlineData; blob == nil || blob.MIMEType != "image/jpeg" {
		t.Errorf("media part = %+v, want image/jpeg blob", blob)
	}

	if fc := out[1].Parts[0].FunctionCall; fc == nil || fc.Name != "remember_fact" || fc.Args["fact"] != "likes tea" {
		t.Errorf("function call = %+v", fc)
	}
	if out[1].Role != "model" {
		t.Errorf("function call role = %q, want model", out[1].Role)
	}
	if fr := out[2].Parts[0].FunctionResponse; fr == nil || fr.Name != "remember_fact" {
		t.Errorf("function response = %+v", fr)
	}
}

func TestGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		ModelVersion: "gemini-2.5-flash-001",
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "Let me save that. "},
				{FunctionCall: &genai.FunctionCall{Name: "remember_fact", Args: map[string]any{"fact": "x"}}, ThoughtSignature: []byte("sig")},
			}},
			GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
				{Web: &genai.GroundingChunkWeb{URI: "https://example.com", Title: "Example"}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 4},
	}

	out, err := geminiResponse("gemini-2.5-flash", resp)
	if err != nil {
		t.Fatalf("geminiResponse: %v", err)
	}
	if out.Model != "gemini-2.5-flash-001" {
		t.Errorf("Model = %q", out.Model)
	}
	if out.Text != "Let me save that. " {
		t.Errorf("Text = %q (thought parts must be skipped)", out.Text)
	}
	if out.ToolCall == nil || out.ToolCall.Name != "remember_fact" {
		t.Fatalf("ToolCall = %+v", out.ToolCall)
	}
	if got := out.Content.Parts[1].Signature; string(got) != "sig" {
		t.Errorf("signature = %q, want sig", got)
	}
	if len(out.Sources) != 1 || out.Sources[0].URI != "https://example.com" {
		t.Errorf("Sources = %+v", out.Sources)
	}
	if out.InputTokens != 12 || out.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d", out.InputTokens, out.OutputTokens)
	}
}

func TestGeminiResponse_NoCandidates(t *testing.T) {
	_, err := geminiResponse("m", &genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "prompt blocked") {
		t.Errorf("err = %v, want prompt blocked", err)
	}
}

func TestGeminiVideoStatus(t *testing.T) {
	tests := []struct {
		name string
		op   *genai.GenerateVideosOperation
		want VideoStatus
	}{
		{"pending", &genai.GenerateVideosOperation{Name: "op"}, VideoStatus{}},
		{"failed", &genai.GenerateVideosOperation{Done: true, Error: map[string]any{"message": "quota"}}, VideoStatus{Done: true, Error: "quota"}},
		{"ready", &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
			GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{URI: "https://v/1"}}},
		}}, VideoStatus{Done: true, URI: "https://v/1"}},
		{"empty", &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{}}, VideoStatus{Done: true, Error: "no video returned"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := geminiVideoStatus(tt.op); *got != tt.want {
				t.Errorf("status = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestGeminiModels_ForTier(t *testing.T) {
	var m GeminiModels
	m.ApplyDefaults()

	if got := m.ForTier(TierLowLatency); got != m.LowLatency {
		t.Errorf("low latency = %q", got)
	}
	if got := m.ForTier(TierDeepReasoning); got != m.DeepReasoning {
		t.Errorf("deep reasoning = %q", got)
	}
	if got := m.ForTier(""); got != m.Default {
		t.Errorf("unset tier = %q, want default", got)
	}
	if m.Grounding != m.Default {
		t.Errorf("Grounding = %q, want default model", m.Grounding)
	}
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GeminiGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGeminiGateway(context.Background(), GeminiConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}, nil)
	if err != nil {
		t.Fatalf("NewGeminiGateway: %v", err)
	}
	return g
}

func TestGeminiGateway_Generate(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Hello there."}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3}
		}`)
	})

	resp, err := g.Generate(context.Background(), &Request{
		Tier:           TierDeepReasoning,
		ThinkingBudget: 1024,
		System:         "be brief",
		Contents:       []Content{TextContent(RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "Hello there." {
		t.Errorf("Text = %q", resp.Text)
	}
	if !strings.Contains(gotPath, g.models.DeepReasoning) {
		t.Errorf("path %q does not name the deep reasoning model", gotPath)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Error("request body has no systemInstruction")
	}
}

func TestGeminiGateway_GenerateOverloaded(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error": {"code": 503, "message": "The model is overloaded.", "status": "UNAVAILABLE"}}`)
	})

	_, err := g.Generate(context.Background(), &Request{Contents: []Content{TextContent(RoleUser, "hi")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if k := KindOf(err); k != KindOverloaded {
		t.Errorf("kind = %v, want overloaded (err: %v)", k, err)
	}
}

func TestGeminiGateway_GenerateNoContents(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := g.Generate(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error for empty contents")
	}
}

func TestNewGeminiGateway_RequiresKey(t *testing.T) {
	if _, err := NewGeminiGateway(context.Background(), GeminiConfig{}, nil); err == nil {
		t.Error("expected error without api key")
	}
}
