package llm

import "context"

// Gateway is the interface every model backend implements. Failures
// are reported as *Error so callers can tell transient overload from
// fatal problems without inspecting vendor error shapes.
type Gateway interface {
	// Generate runs one multi-turn request and returns the model's
	// reply, which may carry a pending tool call.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Ground runs a single-turn request with live search or maps
	// grounding enabled and returns the text plus raw citations.
	Ground(ctx context.Context, req *GroundRequest) (*Response, error)

	// GenerateMedia produces an image or starts a video generation.
	GenerateMedia(ctx context.Context, req *MediaRequest) (*Media, error)

	// PollVideo checks an asynchronous video generation.
	PollVideo(ctx context.Context, operationName string) (*VideoStatus, error)

	// SynthesizeSpeech renders text as audio in the named voice.
	SynthesizeSpeech(ctx context.Context, text, voice string) (*Audio, error)
}
