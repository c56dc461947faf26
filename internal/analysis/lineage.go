package analysis

import "context"

// Lineage names the execution path that drove a session. It is used for
// logs, metrics and spans only; records never carry it.
type Lineage string

const (
	LineageDirect Lineage = "direct"
	LineageMCP    Lineage = "mcp"
)

type lineageKey struct{}

// WithLineage returns ctx tagged with l.
func WithLineage(ctx context.Context, l Lineage) context.Context {
	return context.WithValue(ctx, lineageKey{}, l)
}

// LineageFrom returns the lineage in ctx, defaulting to LineageDirect.
func LineageFrom(ctx context.Context) Lineage {
	if l, ok := ctx.Value(lineageKey{}).(Lineage); ok && l != "" {
		return l
	}
	return LineageDirect
}
