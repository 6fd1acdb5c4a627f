package configapi

import (
	"context"
	"encoding/json"
)

// CategoryResult is everything fetched from one service area.
type CategoryResult struct {
	Category Category
	Items    map[string][]json.RawMessage // api_name -> items
	Calls    []CallResult
}

// ItemCount sums items across the category's endpoints.
func (r CategoryResult) ItemCount() int {
	n := 0
	for _, items := range r.Items {
		n += len(items)
	}
	return n
}

// FetchCategory runs a category's endpoints in declared order. Endpoints
// needing program_id trigger one auto-resolution when the caller omitted it;
// resolution failure skips those endpoints without aborting the rest.
func (c *Client) FetchCategory(ctx context.Context, category Category, params map[string]string) (CategoryResult, error) {
	result := CategoryResult{
		Category: category,
		Items:    make(map[string][]json.RawMessage),
	}

	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	resolved := false

	for _, ep := range EndpointsFor(category) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if ep.NeedsProgramID() && merged["program_id"] == "" && !resolved {
			resolved = true
			id, err := c.ResolveProgramID(ctx)
			if err != nil {
				c.logger.Warn("program_id auto-resolution failed: %v", err)
			} else {
				merged["program_id"] = id
			}
		}
		items, call, err := c.Call(ctx, ep, merged)
		result.Calls = append(result.Calls, call)
		if err != nil {
			return result, err
		}
		if call.Status == "success" {
			result.Items[ep.Name] = items
		}
	}
	return result, nil
}

// FetchAll runs every category sequentially and returns results in category
// order. A fatal bearer-auth rejection aborts the whole fetch.
func (c *Client) FetchAll(ctx context.Context, params map[string]string, progress func(category Category, done, total int)) ([]CategoryResult, error) {
	var out []CategoryResult
	for i, category := range Categories {
		if progress != nil {
			progress(category, i, len(Categories))
		}
		result, err := c.FetchCategory(ctx, category, params)
		out = append(out, result)
		if err != nil {
			return out, err
		}
	}
	if progress != nil {
		progress("", len(Categories), len(Categories))
	}
	return out, nil
}
