package evals

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/chainrun/pkg/schema"
)

// Extractor runs jq programs against span attributes to bind variables for
// an evaluation expression. Compiled queries are cached.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExtractor creates an extractor with an empty compile cache.
func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Extract evaluates each named jq program against the attributes. Programs
// producing multiple outputs bind them as a slice; zero outputs bind nil.
func (x *Extractor) Extract(ctx context.Context, programs map[string]string, attributes map[string]any) (map[string]any, error) {
	if len(programs) == 0 {
		return nil, nil
	}
	input := normalize(attributes)

	vars := make(map[string]any, len(programs))
	for name, src := range programs {
		code, err := x.getOrCompile(src)
		if err != nil {
			return nil, err
		}

		var results []any
		iter := code.RunWithContext(ctx, input)
		for {
			val, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := val.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"jq extraction %q failed: %s", name, jqErr.Error()).WithCause(jqErr)
			}
			results = append(results, val)
		}

		switch len(results) {
		case 0:
			vars[name] = nil
		case 1:
			vars[name] = results[0]
		default:
			vars[name] = results
		}
	}
	return vars, nil
}

func (x *Extractor) getOrCompile(src string) (*gojq.Code, error) {
	x.mu.RLock()
	if code, ok := x.cache[src]; ok {
		x.mu.RUnlock()
		return code, nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()

	if code, ok := x.cache[src]; ok {
		return code, nil
	}

	query, err := gojq.Parse(src)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", src, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", src, err.Error()).WithCause(err)
	}

	x.cache[src] = code
	return code, nil
}

// normalize converts integer types to float64, matching jq's native number
// handling.
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
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
