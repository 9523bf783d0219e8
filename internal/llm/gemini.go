package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiModels names the backend model for each role.
type GeminiModels struct {
	LowLatency    string `yaml:"low_latency"`
	Default       string `yaml:"default"`
	DeepReasoning string `yaml:"deep_reasoning"`
	Grounding     string `yaml:"grounding"`
	Image         string `yaml:"image"`
	Video         string `yaml:"video"`
	Speech        string `yaml:"speech"`
}

// ApplyDefaults fills unset model names.
func (m *GeminiModels) ApplyDefaults() {
	if m.LowLatency == "" {
		m.LowLatency = "gemini-2.5-flash-lite"
	}
	if m.Default == "" {
		m.Default = "gemini-2.5-flash"
	}
	if m.DeepReasoning == "" {
		m.DeepReasoning = "gemini-2.5-pro"
	}
	if m.Grounding == "" {
		m.Grounding = m.Default
	}
	if m.Image == "" {
		m.Image = "imagen-4.0-generate-001"
	}
	if m.Video == "" {
		m.Video = "veo-3.0-generate-001"
	}
	if m.Speech == "" {
		m.Speech = "gemini-2.5-flash-preview-tts"
	}
}

// ForTier returns the model serving tier.
func (m GeminiModels) ForTier(tier Tier) string {
	switch tier {
	case TierLowLatency:
		return m.LowLatency
	case TierDeepReasoning:
		return m.DeepReasoning
	default:
		return m.Default
	}
}

// GeminiConfig configures a GeminiGateway.
type GeminiConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint (proxies, tests).
	BaseURL    string
	Models     GeminiModels
	HTTPClient *http.Client
}

// GeminiGateway implements Gateway on the Google Gen AI SDK.
type GeminiGateway struct {
	client *genai.Client
	models GeminiModels
	logger *slog.Logger
}

var _ Gateway = (*GeminiGateway)(nil)

// NewGeminiGateway creates a gateway talking to the Gemini API.
func NewGeminiGateway(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	cfg.Models.ApplyDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiGateway{
		client: client,
		models: cfg.Models,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Models returns the configured model names.
func (g *GeminiGateway) Models() GeminiModels {
	return g.models
}

// Generate sends a multi-turn request with the tool catalog attached.
func (g *GeminiGateway) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := g.models.ForTier(req.Tier)

	contents := geminiContents(req.Contents)
	if len(contents) == 0 {
		return nil, &Error{Kind: KindFatal, Message: "no contents to send"}
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if req.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(req.ThinkingBudget)}
	}

	g.logger.Debug("generate",
		"model", model,
		"tier", req.Tier,
		"contents", len(contents),
		"tools", len(req.Tools),
		"thinking_budget", req.ThinkingBudget,
	)

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	out, err := geminiResponse(model, resp)
	if err != nil {
		return nil, err
	}

	g.logger.Log(ctx, LevelTrace, "generate response",
		"model", out.Model,
		"text_len", len(out.Text),
		"tool_call", out.ToolCall != nil,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

// Ground issues a single-turn request with search or maps grounding.
func (g *GeminiGateway) Ground(ctx context.Context, req *GroundRequest) (*Response, error) {
	tool := &genai.Tool{}
	switch req.Kind {
	case GroundMaps:
		tool.GoogleMaps = &genai.GoogleMaps{}
	default:
		tool.GoogleSearch = &genai.GoogleSearch{}
	}

	cfg := &genai.GenerateContentConfig{Tools: []*genai.Tool{tool}}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}

	g.logger.Debug("ground", "model", g.models.Grounding, "kind", req.Kind)

	resp, err := g.client.Models.GenerateContent(ctx, g.models.Grounding, genai.Text(req.Query), cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	return geminiResponse(g.models.Grounding, resp)
}

// GenerateMedia produces an image synchronously or starts a video.
func (g *GeminiGateway) GenerateMedia(ctx context.Context, req *MediaRequest) (*Media, error) {
	switch req.Kind {
	case MediaImage:
		return g.generateImage(ctx, req)
	case MediaVideo:
		return g.generateVideo(ctx, req)
	default:
		return nil, &Error{Kind: KindFatal, Message: fmt.Sprintf("unsupported media kind %q", req.Kind)}
	}
}

func (g *GeminiGateway) generateImage(ctx context.Context, req *MediaRequest) (*Media, error) {
	g.logger.Debug("generate image", "model", g.models.Image, "aspect_ratio", req.AspectRatio)

	resp, err := g.client.Models.GenerateImages(ctx, g.models.Image, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    req.AspectRatio,
		OutputMIMEType: "image/png",
	})
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, &Error{Kind: KindFatal, Message: "no image returned"}
	}

	gen := resp.GeneratedImages[0]
	if len(gen.Image.ImageBytes) == 0 {
		msg := "empty image returned"
		if gen.RAIFilteredReason != "" {
			msg = "image filtered: " + gen.RAIFilteredReason
		}
		return nil, &Error{Kind: KindFatal, Message: msg}
	}

	mime := gen.Image.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &Media{Kind: MediaImage, MIMEType: mime, Data: gen.Image.ImageBytes}, nil
}

func (g *GeminiGateway) generateVideo(ctx context.Context, req *MediaRequest) (*Media, error) {
	g.logger.Debug("generate video", "model", g.models.Video, "aspect_ratio", req.AspectRatio)

	op, err := g.client.Models.GenerateVideos(ctx, g.models.Video, req.Prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    req.AspectRatio,
	})
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if op.Name == "" {
		return nil, &Error{Kind: KindFatal, Message: "video operation has no name"}
	}
	return &Media{Kind: MediaVideo, MIMEType: "video/mp4", OperationName: op.Name}, nil
}

// PollVideo fetches the state of a video generation operation.
func (g *GeminiGateway) PollVideo(ctx context.Context, operationName string) (*VideoStatus, error) {
	op, err := g.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: operationName}, nil)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	return geminiVideoStatus(op), nil
}

func geminiVideoStatus(op *genai.GenerateVideosOperation) *VideoStatus {
	if !op.Done {
		return &VideoStatus{}
	}
	if len(op.Error) > 0 {
		msg, _ := op.Error["message"].(string)
		if msg == "" {
			msg = "video generation failed"
		}
		return &VideoStatus{Done: true, Error: msg}
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0].Video == nil || op.Response.GeneratedVideos[0].Video.URI == "" {
		return &VideoStatus{Done: true, Error: "no video returned"}
	}
	return &VideoStatus{Done: true, URI: op.Response.GeneratedVideos[0].Video.URI}
}

// SynthesizeSpeech renders text with a prebuilt voice.
func (g *GeminiGateway) SynthesizeSpeech(ctx context.Context, text, voice string) (*Audio, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.models.Speech, genai.Text(text), cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return &Audio{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}, nil
			}
		}
	}
	return nil, &Error{Kind: KindFatal, Message: "no audio returned"}
}

// geminiContents converts the neutral history to SDK contents,
// dropping empty parts and contents.
func geminiContents(in []Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(in))
	for _, c := range in {
		var parts []*genai.Part
		for _, p := range c.Parts {
			if gp := geminiPart(p); gp != nil {
				parts = append(parts, gp)
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: string(c.Role), Parts: parts})
	}
	return out
}

func geminiPart(p Part) *genai.Part {
	var gp *genai.Part
	switch {
	case p.FunctionCall != nil:
		gp = &genai.Part{FunctionCall: &genai.FunctionCall{
			ID:   p.FunctionCall.ID,
			Name: p.FunctionCall.Name,
			Args: p.FunctionCall.Args,
		}}
	case p.FunctionResponse != nil:
		gp = &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       p.FunctionResponse.ID,
			Name:     p.FunctionResponse.Name,
			Response: p.FunctionResponse.Response,
		}}
	case p.Blob != nil:
		if len(p.Blob.Data) == 0 {
			return nil
		}
		gp = genai.NewPartFromBytes(p.Blob.Data, p.Blob.MIMEType)
	case p.Text != "":
		gp = genai.NewPartFromText(p.Text)
	default:
		return nil
	}
	gp.ThoughtSignature = p.Signature
	return gp
}

// geminiResponse converts the first candidate into a Response.
func geminiResponse(model string, resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		msg := "no candidates returned"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			msg = "prompt blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return nil, &Error{Kind: KindFatal, Message: msg}
	}

	out := &Response{Model: model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}

	cand := resp.Candidates[0]
	out.Content = Content{Role: RoleModel}
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p.Thought {
				continue
			}
			part := Part{Text: p.Text, Signature: p.ThoughtSignature}
			switch {
			case p.FunctionCall != nil:
				part.FunctionCall = &FunctionCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				}
			case p.InlineData != nil:
				part.Blob = &Blob{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}
			}
			out.Content.Parts = append(out.Content.Parts, part)
		}
	}
	out.Text = out.Content.Text()
	out.ToolCall = out.Content.FunctionCall()

	if gm := cand.GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			switch {
			case chunk.Web != nil:
				out.Sources = append(out.Sources, Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
			case chunk.Maps != nil:
				out.Sources = append(out.Sources, Source{URI: chunk.Maps.URI, Title: chunk.Maps.Title})
			}
		}
	}
	return out, nil
}

// classifyGeminiError maps SDK errors onto the gateway error contract.
// This is the only place vendor status codes are interpreted.
func classifyGeminiError(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}

	code, status, msg, ok := geminiAPIError(err)
	if !ok {
		return &Error{Kind: KindFatal, Message: err.Error(), Err: err}
	}

	kind := KindFatal
	switch {
	case code == http.StatusServiceUnavailable || status == "UNAVAILABLE":
		kind = KindOverloaded
	case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		kind = KindRateLimited
	case code == http.StatusForbidden || status == "PERMISSION_DENIED":
		kind = KindBilling
	case status == "FAILED_PRECONDITION" && strings.Contains(strings.ToLower(msg), "billing"):
		kind = KindBilling
	}
	return &Error{Kind: kind, Status: code, Message: msg, Err: err}
}

func geminiAPIError(err error) (code int, status, msg string, ok bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, v.Status, v.Message, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, p.Status, p.Message, true
	}
	return 0, "", "", false
}
