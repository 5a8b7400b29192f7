package triggers

import (
	"context"
	"errors"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/playbooks/pkg/schema"
)

// Extractor pulls trigger outputs out of an event payload with jq paths.
// Compiled code is cached and reused across goroutines.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExtractor creates an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Check compiles path without running it.
func (e *Extractor) Check(path string) error {
	_, err := e.code(path)
	return err
}

// Extract evaluates every output path against payload. A path with no result
// yields nil, one result yields the value and several yield a list.
func (e *Extractor) Extract(ctx context.Context, outputs map[string]string, payload map[string]any) (map[string]any, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	input := normalize(payload)

	out := make(map[string]any, len(outputs))
	for name, path := range outputs {
		v, err := e.evaluate(ctx, path, input)
		if err != nil {
			var pbErr *schema.PlaybookError
			if errors.As(err, &pbErr) {
				return nil, pbErr.WithDetails(map[string]any{"output": name, "expression": path})
			}
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (e *Extractor) evaluate(ctx context.Context, path string, input any) (any, error) {
	code, err := e.code(path)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", path, err.Error()).WithCause(err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *Extractor) code(path string) (*gojq.Code, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	e.mu.RLock()
	if code, ok := e.cache[path]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[path]; ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", path, err.Error()).WithCause(err)
	}
	// $ENV stays empty: payloads come from outside the process.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", path, err.Error()).WithCause(err)
	}

	e.cache[path] = code
	return code, nil
}

// normalize converts Go integer and float32 values to float64, the only
// number type gojq accepts besides int.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
