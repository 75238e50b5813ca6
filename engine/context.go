package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside a Go context handed to
// activities, so nested code can retrieve the originating workflow context.
type wfCtxKey struct{}

// WithWorkflowContext returns a child context carrying the provided
// WorkflowContext. Engine adapters use this when invoking activity handlers.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WorkflowContextFromContext extracts a WorkflowContext from ctx, or nil.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
