// Package interceptors tags outgoing provider traffic with run identity.
package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"
)

// Header names set on outgoing requests.
const (
	HeaderRunID         = "X-Research-Run-ID"
	HeaderWorkflowID    = "X-Workflow-ID"
	HeaderTemporalRunID = "X-Temporal-Run-ID"
)

type runIDKey struct{}

// WithRunID attaches a research run ID to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run ID attached by WithRunID.
func RunIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// RunHTTPRoundTripper adds run and workflow headers to outgoing requests.
type RunHTTPRoundTripper struct {
	base http.RoundTripper
}

func NewRunHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RunHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper. The request is cloned before
// headers are added.
func (t *RunHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	runID, hasRun := RunIDFrom(req.Context())
	wfID, wfRunID := workflowIDs(req.Context())
	if !hasRun && wfID == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if hasRun {
		req.Header.Set(HeaderRunID, runID)
	}
	if wfID != "" {
		req.Header.Set(HeaderWorkflowID, wfID)
		req.Header.Set(HeaderTemporalRunID, wfRunID)
	}
	return t.base.RoundTrip(req)
}

// workflowIDs reads activity info; outside an activity GetInfo panics.
func workflowIDs(ctx context.Context) (id, runID string) {
	defer func() {
		if recover() != nil {
			id, runID = "", ""
		}
	}()
	info := activity.GetInfo(ctx)
	return info.WorkflowExecution.ID, info.WorkflowExecution.RunID
}
