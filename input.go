package turnflow

import "context"

// PlanHints carries an upstream retrieval plan for one turn. A planner that
// runs before the engine can use it to tell the synthesis validator that the
// request spans several sources.
type PlanHints struct {
	// Strategy is the planner's label ("comparative", "multi_source", "lookup"...).
	Strategy string
	// ExpectedSources is how many distinct items the planner expects to retrieve.
	ExpectedSources int
	// RequiresSynthesis is set when the planner already decided on a report.
	RequiresSynthesis bool
}

// IsZero reports whether no hint was supplied.
func (h PlanHints) IsZero() bool {
	return h.Strategy == "" && h.ExpectedSources == 0 && !h.RequiresSynthesis
}

// planHintsCtxKey is the context key for PlanHints.
type planHintsCtxKey struct{}

// WithPlanHints returns a child context carrying retrieval-plan hints for the
// run started with it.
func WithPlanHints(ctx context.Context, h PlanHints) context.Context {
	return context.WithValue(ctx, planHintsCtxKey{}, h)
}

// PlanHintsFromContext retrieves the PlanHints from ctx.
// Returns the zero value and false if none is set.
func PlanHintsFromContext(ctx context.Context) (PlanHints, bool) {
	h, ok := ctx.Value(planHintsCtxKey{}).(PlanHints)
	return h, ok
}

// --- Run context propagation ---

// RunInfo identifies the run a capability is executing in.
type RunInfo struct {
	RunID     string
	Iteration int
}

// runInfoCtxKey is the context key for RunInfo.
type runInfoCtxKey struct{}

// withRunInfo is called by the tool execution step before invoking capabilities.
func withRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoCtxKey{}, info)
}

// RunInfoFromContext retrieves the RunInfo from ctx. Capabilities use it to
// correlate their own logs with the run without changing their signature.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoCtxKey{}).(RunInfo)
	return info, ok
}
