package memory

import (
	"context"

	"github.com/nugget/parley/internal/tools"
)

// RecallArgs are arguments for the recall_facts tool.
type RecallArgs struct {
	Query string `json:"query,omitempty" jsonschema:"Words to look for; omit to list recent facts"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of facts to return (default 20)"`
}

// RecallResult is returned to the model.
type RecallResult struct {
	Facts []string `json:"facts"`
	Count int      `json:"count"`
}

// RecallTool exposes fact search to the model.
func RecallTool(s *Store) (*tools.Tool, error) {
	return tools.NewTool("recall_facts",
		"Look up facts previously remembered about the user. Use when the answer may depend on something the user said in an earlier conversation.",
		func(ctx context.Context, args RecallArgs, _ tools.ExecContext) (any, error) {
			limit := args.Limit
			if limit <= 0 || limit > 100 {
				limit = 20
			}
			found, err := s.Search(ctx, args.Query, limit)
			if err != nil {
				return nil, err
			}
			res := RecallResult{Facts: make([]string, 0, len(found))}
			for _, f := range found {
				res.Facts = append(res.Facts, f.Text)
			}
			res.Count = len(res.Facts)
			return res, nil
		},
	)
}
