// Package sandbox runs user-authored document functions. Functions are jq
// programs: they see only their input, cannot read the environment, files
// or modules, and run under a deadline.
package sandbox

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"
	"github.com/rotisserie/eris"
)

// ErrBudgetExceeded is returned when a function runs past its deadline or
// emits more results than allowed.
var ErrBudgetExceeded = errors.New("sandbox: budget exceeded")

// Evaluator applies a function to an input document.
type Evaluator interface {
	Evaluate(ctx context.Context, function string, input any) (any, error)
}

// Config bounds function execution.
type Config struct {
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheSize  int           `yaml:"cache_size" mapstructure:"cache_size"`
	MaxResults int           `yaml:"max_results" mapstructure:"max_results"`
}

// JQ evaluates jq programs with gojq.
type JQ struct {
	cfg   Config
	cache *lru.Cache[string, *gojq.Code]
}

// NewJQ creates a JQ evaluator with a compiled-program cache.
func NewJQ(cfg Config) (*JQ, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10000
	}
	cache, err := lru.New[string, *gojq.Code](cfg.CacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "sandbox: create cache")
	}
	return &JQ{cfg: cfg, cache: cache}, nil
}

// Compile parses and compiles a function, reusing cached programs.
func (j *JQ) Compile(function string) (*gojq.Code, error) {
	function = strings.TrimSpace(function)
	if code, ok := j.cache.Get(function); ok {
		return code, nil
	}
	query, err := gojq.Parse(function)
	if err != nil {
		return nil, eris.Wrap(err, "sandbox: parse")
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, eris.Wrap(err, "sandbox: compile")
	}
	j.cache.Add(function, code)
	return code, nil
}

// Evaluate runs function against input. A program emitting nothing yields
// nil, one value yields that value and several values yield an array.
func (j *JQ) Evaluate(ctx context.Context, function string, input any) (any, error) {
	code, err := j.Compile(function)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(ctx, normalizeInput(input))
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, eris.Wrapf(ErrBudgetExceeded, "sandbox: %v", ctx.Err())
			}
			return nil, eris.Wrap(err, "sandbox: evaluate")
		}
		if len(results) >= j.cfg.MaxResults {
			return nil, eris.Wrapf(ErrBudgetExceeded, "sandbox: more than %d results", j.cfg.MaxResults)
		}
		results = append(results, normalize(v))
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

// Truthy applies jq truthiness: only false and null are false.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// normalizeInput converts typed slices and maps produced by callers into
// the generic forms gojq accepts.
func normalizeInput(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case int64:
		return float64(t)
	default:
		return v
	}
}

// normalize maps gojq numeric results back onto float64 so outputs compare
// equal to decoded JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case *big.Int:
		f, _ := new(big.Float).SetInt(t).Float64()
		return f
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
