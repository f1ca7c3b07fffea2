package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/binderd/pricewatch/internal/pricing"
)

// rulesProgram is one compiled sanity predicate over a fetched record.
type rulesProgram struct {
	source  string
	program cel.Program
}

// Validated wraps an adapter with configured CEL sanity checks evaluated
// against every fetched record before it reaches the cache. A record that
// fails a check is reported as a malformed response, which sends the resolver
// down the fallback chain instead of caching garbage.
//
// Checks see the record as a map under the variable `record`, e.g.
// `record.tiers.size() > 0` or `record.tiers.all(t, t.market >= 0.0)`.
type Validated struct {
	inner Adapter
	rules []rulesProgram
}

// NewValidated compiles the rule sources. An empty rule list returns the
// adapter unchanged.
func NewValidated(inner Adapter, rules []string) (Adapter, error) {
	trimmed := make([]string, 0, len(rules))
	for _, rule := range rules {
		if r := strings.TrimSpace(rule); r != "" {
			trimmed = append(trimmed, r)
		}
	}
	if len(trimmed) == 0 {
		return inner, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("provider", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("provider: validation environment: %w", err)
	}

	compiled := make([]rulesProgram, 0, len(trimmed))
	for _, source := range trimmed {
		ast, issues := env.Compile(source)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("provider: compile validation %q: %w", source, issues.Err())
		}
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return nil, fmt.Errorf("provider: validation %q must return bool, got %s", source, cel.FormatCELType(t))
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("provider: validation program %q: %w", source, err)
		}
		compiled = append(compiled, rulesProgram{source: source, program: program})
	}
	return &Validated{inner: inner, rules: compiled}, nil
}

func (v *Validated) Name() string { return v.inner.Name() }

func (v *Validated) Fetch(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	result, err := v.inner.Fetch(ctx, spec)
	if err != nil {
		return Result{}, err
	}
	if err := v.check(result.Record, spec); err != nil {
		return Result{}, err
	}
	return result, nil
}

// FetchBatch validates every record in the batch, dropping only the failing
// ones so one bad item cannot poison a whole refresh batch.
func (v *Validated) FetchBatch(ctx context.Context, specs []pricing.RequestSpec) (map[string]Result, error) {
	batcher, ok := v.inner.(BatchFetcher)
	if !ok {
		return nil, fmt.Errorf("provider %s: batch fetch unsupported", v.Name())
	}
	results, err := batcher.FetchBatch(ctx, specs)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		result, ok := results[spec.ItemIdentity]
		if !ok {
			continue
		}
		if err := v.check(result.Record, spec); err != nil {
			delete(results, spec.ItemIdentity)
		}
	}
	return results, nil
}

func (v *Validated) check(record pricing.PriceRecord, spec pricing.RequestSpec) error {
	asMap, err := recordAsMap(record)
	if err != nil {
		return &Error{Provider: v.Name(), Kind: KindMalformed, Message: "record not convertible", Err: err, ConsumedQuota: true}
	}
	vars := map[string]any{
		"record":   asMap,
		"provider": v.Name(),
		"category": string(spec.Category),
	}
	for _, rule := range v.rules {
		val, _, err := rule.program.Eval(vars)
		if err != nil {
			return &Error{Provider: v.Name(), Kind: KindMalformed, Message: fmt.Sprintf("validation %q", rule.source), Err: err, ConsumedQuota: true}
		}
		if !boolResult(val) {
			return &Error{Provider: v.Name(), Kind: KindMalformed, Message: fmt.Sprintf("validation %q rejected record", rule.source), ConsumedQuota: true}
		}
	}
	return nil
}

func boolResult(val ref.Val) bool {
	if b, ok := val.(types.Bool); ok {
		return bool(b)
	}
	return false
}

// recordAsMap converts the record through JSON so CEL sees the same shape the
// cache serializes.
func recordAsMap(record pricing.PriceRecord) (map[string]any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	return asMap, nil
}
