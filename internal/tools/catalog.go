package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/parley/internal/history"
)

// Names of the tools the orchestrator handles itself.
const (
	RequestConsent  = history.ConsentToolName
	RememberFact    = "remember_fact"
	GenerateImage   = "generate_image"
	GenerateVideo   = "generate_video"
	SearchWeb       = "search_web"
	SearchMaps      = "search_maps"
	CurrentLocation = "get_current_location"
)

// ConsentArgs asks the user to approve another tool call.
type ConsentArgs struct {
	Reason     string `json:"reason" jsonschema:"Short explanation shown to the user of why the tool is needed"`
	ToolToCall string `json:"toolToCall" jsonschema:"Name of the tool to run once the user agrees"`
	ToolArgs   string `json:"toolArgs,omitempty" jsonschema:"JSON object with the arguments for that tool"`
}

// RememberArgs records a durable fact about the user.
type RememberArgs struct {
	Fact string `json:"fact" jsonschema:"A single self-contained fact about the user worth remembering"`
}

// MediaArgs requests a generated image or video.
type MediaArgs struct {
	Prompt      string `json:"prompt" jsonschema:"Detailed description of what to generate"`
	AspectRatio string `json:"aspectRatio,omitempty" jsonschema:"Aspect ratio such as 1:1, 16:9 or 9:16"`
}

// SearchArgs is a grounded search query.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"The search query"`
}

// LocationArgs takes no arguments.
type LocationArgs struct{}

// Builtins returns the orchestrator-handled tool declarations.
func Builtins() []*Tool {
	return []*Tool{
		Must(Declare[ConsentArgs](RequestConsent,
			"Ask the user for permission before calling a tool that reads private data. Always call this first for any tool marked as requiring consent, and wait for the answer.",
			KindConsentGate)),
		Must(Declare[RememberArgs](RememberFact,
			"Save a lasting fact about the user (preferences, names, routines) so it can be used in future conversations.",
			KindMemoryWrite)),
		Must(Declare[MediaArgs](GenerateImage,
			"Generate an image from a text description.",
			KindImageGeneration)),
		Must(Declare[MediaArgs](GenerateVideo,
			"Generate a short video from a text description. Video generation is slow; the result arrives later.",
			KindVideoGeneration)),
		Must(Declare[SearchArgs](SearchWeb,
			"Search the web for current information such as news, scores or prices.",
			KindWebSearch)),
		Must(Declare[SearchArgs](SearchMaps,
			"Search for places, businesses, directions and local information.",
			KindMapsSearch)),
	}
}

// ParseConsent extracts the gated tool call from consent arguments.
// toolArgs may arrive as a JSON string or, from less careful models,
// as an object.
func ParseConsent(args map[string]any) (reason, toolName string, toolArgs map[string]any, err error) {
	reason, _ = args["reason"].(string)
	toolName, _ = args["toolToCall"].(string)
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return "", "", nil, fmt.Errorf("consent request is missing toolToCall")
	}

	switch v := args["toolArgs"].(type) {
	case nil:
	case map[string]any:
		toolArgs = v
	case string:
		if s := strings.TrimSpace(v); s != "" {
			if err := json.Unmarshal([]byte(s), &toolArgs); err != nil {
				return "", "", nil, fmt.Errorf("consent toolArgs is not a JSON object: %w", err)
			}
		}
	default:
		return "", "", nil, fmt.Errorf("consent toolArgs has unexpected type %T", v)
	}
	if toolArgs == nil {
		toolArgs = map[string]any{}
	}
	return reason, toolName, toolArgs, nil
}
