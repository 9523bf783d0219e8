package fetch

import (
	"context"

	"github.com/nugget/parley/internal/tools"
)

// ToolName is the registry name of the page fetcher.
const ToolName = "fetch_url"

// Args are the model-supplied arguments for fetch_url.
type Args struct {
	URL      string `json:"url" jsonschema:"The http or https URL to read"`
	MaxChars int    `json:"maxChars,omitempty" jsonschema:"Maximum characters of page text to return (default 20000)"`
}

// Tool builds the fetch_url tool around f.
func Tool(f *Fetcher) (*tools.Tool, error) {
	return tools.NewTool(ToolName,
		"Read the text of a web page. Use when the user shares a link or when a search result needs more detail.",
		func(ctx context.Context, args Args, _ tools.ExecContext) (any, error) {
			res, err := f.Fetch(ctx, args.URL, args.MaxChars)
			if err != nil {
				f.logger.Warn("fetch failed",
					"request_id", tools.RequestIDFromContext(ctx),
					"url", args.URL,
					"error", err,
				)
				return nil, err
			}
			return res, nil
		},
	)
}
