package lazyexpr

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"

	"github.com/justapithecus/tessera/tessera"
)

// lazyKey is the vlmeta key holding a saved expression.
const lazyKey = "_LazyArray"

// Save persists the expression at path in store: an array of UNINIT chunks
// with the expression and its operand locations in vlmeta. Nothing is
// evaluated. Every operand must be Locatable and located; user-defined
// functions and in-memory operands cannot be saved.
func (e *Expr) Save(ctx context.Context, store tessera.Store, path string, opts ...Option) (*tessera.NDArray, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.shape == nil {
		return nil, fmt.Errorf("lazyexpr: save a filtered selection: %w", tessera.ErrNotPersistent)
	}
	var err error
	walk(e, func(n *Expr) {
		if n.kind == kindUDF && err == nil {
			err = fmt.Errorf("lazyexpr: save a user-defined function: %w", tessera.ErrNotPersistent)
		}
	})
	if err != nil {
		return nil, err
	}

	expr, bound := e.Expression()
	locs := make(map[string]any, len(bound))
	for name, op := range bound {
		l, ok := op.(tessera.Locatable)
		if !ok {
			return nil, fmt.Errorf("lazyexpr: operand %s lives in memory: %w", name, tessera.ErrNotPersistent)
		}
		loc, ok := l.Location()
		if !ok {
			return nil, fmt.Errorf("lazyexpr: operand %s has no location: %w", name, tessera.ErrNotPersistent)
		}
		locs[name] = loc
	}

	cfg := resolve(opts)
	ev := &evaluator{cfg: cfg}
	arrOpts := append([]tessera.Option{tessera.WithChunks(ev.workChunks(e)...)}, cfg.arrayOpts...)
	arrOpts = append(arrOpts, tessera.WithStorage(store, path))
	arr, err := tessera.Uninit(ctx, e.dtype, e.shape, arrOpts...)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{"expression": expr, "operands": locs}
	if err := arr.VLMeta().Set(ctx, lazyKey, meta); err != nil {
		return nil, err
	}
	level.Debug(cfg.logger).Log("msg", "expression saved", "path", path, "expression", expr, "operands", len(locs))
	return arr, nil
}

// Open reloads an expression saved with Save. Operands are resolved by
// location, in store unless WithResolver says otherwise, so the result sees
// their current contents and shapes.
func Open(ctx context.Context, store tessera.Store, path string, opts ...Option) (*Expr, error) {
	arr, err := tessera.Open(ctx, store, path, tessera.WithMode(tessera.ModeRead))
	if err != nil {
		return nil, err
	}
	expr, locs, err := Saved(arr)
	if err != nil {
		return nil, err
	}
	cfg := resolve(opts)
	resolver := cfg.resolver
	if resolver == nil {
		resolver = func(ctx context.Context, loc string) (tessera.Operand, error) {
			return tessera.Open(ctx, store, loc, tessera.WithMode(tessera.ModeRead))
		}
	}

	names := make([]string, 0, len(locs))
	for name := range locs {
		names = append(names, name)
	}
	sort.Strings(names)
	operands := make(map[string]tessera.Operand, len(locs))
	for _, name := range names {
		op, err := resolver(ctx, locs[name])
		if err != nil {
			return nil, fmt.Errorf("lazyexpr: operand %s at %s: %w", name, locs[name], err)
		}
		operands[name] = op
	}
	return Parse(expr, operands)
}

// Saved returns the expression string and operand locations stored on arr.
// It fails with tessera.ErrNotFound when arr holds no expression.
func Saved(arr *tessera.NDArray) (expr string, locations map[string]string, err error) {
	raw, err := arr.VLMeta().Get(lazyKey)
	if err != nil {
		return "", nil, err
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("lazyexpr: %s is %T: %w", lazyKey, raw, tessera.ErrCorrupt)
	}
	expr, ok = m["expression"].(string)
	if !ok {
		return "", nil, fmt.Errorf("lazyexpr: %s has no expression: %w", lazyKey, tessera.ErrCorrupt)
	}
	ops, _ := m["operands"].(map[string]any)
	locations = make(map[string]string, len(ops))
	for name, v := range ops {
		loc, ok := v.(string)
		if !ok {
			return "", nil, fmt.Errorf("lazyexpr: operand %s location is %T: %w", name, v, tessera.ErrCorrupt)
		}
		locations[name] = loc
	}
	return expr, locations, nil
}
