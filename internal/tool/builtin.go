package tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RegisterBuiltins adds the built-in tools so the end-to-end task path is
// exercisable without external plugins.
func RegisterBuiltins(r *InMemoryRegistry) error {
	builtins := []struct {
		info Info
		fn   Func
	}{
		{
			info: Info{
				Name:        "compute",
				Description: "Evaluates simple numeric requests: sums any numbers found in the input",
				Category:    "computation",
				Tags:        []string{"compute", "calculate", "sum", "total", "math", "count"},
			},
			fn: computeTool,
		},
		{
			info: Info{
				Name:        "echo",
				Description: "Returns its input unchanged",
				Category:    "utility",
				Tags:        []string{"echo", "repeat", "say"},
			},
			fn: echoTool,
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.info, b.fn); err != nil {
			return err
		}
	}
	return nil
}

// computeTool sums every number appearing in the input text or params.
func computeTool(ctx context.Context, params map[string]any) Result {
	var total float64
	found := false

	if text, ok := params["input"].(string); ok {
		for _, field := range strings.Fields(text) {
			if n, err := strconv.ParseFloat(strings.Trim(field, ",.;:"), 64); err == nil {
				total += n
				found = true
			}
		}
	}
	if nums, ok := params["numbers"].([]any); ok {
		for _, v := range nums {
			if n, ok := v.(float64); ok {
				total += n
				found = true
			}
		}
	}

	if !found {
		return Result{Success: false, Error: "no numeric input found"}
	}
	return Result{Success: true, Data: map[string]any{"total": total}}
}

// echoTool returns its input unchanged.
func echoTool(ctx context.Context, params map[string]any) Result {
	input, _ := params["input"].(string)
	return Result{Success: true, Data: fmt.Sprintf("%v", input)}
}
