package tools

import (
	"context"
	"sync"
)

type recorderKeyType struct{}

var recorderKey = recorderKeyType{}

// CallRecord is one tool invocation observed during a phase run.
type CallRecord struct {
	Tool    string
	Summary string
}

// Recorder collects tool invocations for one phase run. The runner inspects
// it afterwards: graph construction success is measured by mutations, and
// the analysis phase gates advice on whether add_analysis_node ever fired.
type Recorder struct {
	mu    sync.Mutex
	calls []CallRecord
}

// WithRecorder installs a fresh Recorder on the context for one phase run.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	r := &Recorder{}
	return context.WithValue(ctx, recorderKey, r), r
}

// FromContext returns the Recorder installed on ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey).(*Recorder)
	return r
}

func record(ctx context.Context, tool, summary string) {
	if r := FromContext(ctx); r != nil {
		r.Record(tool, summary)
	}
}

// Record appends one invocation.
func (r *Recorder) Record(tool, summary string) {
	r.mu.Lock()
	r.calls = append(r.calls, CallRecord{Tool: tool, Summary: summary})
	r.mu.Unlock()
}

// Calls returns the invocations recorded so far, in order.
func (r *Recorder) Calls() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, len(r.calls))
	copy(out, r.calls)
	return out
}

// Called reports whether the named tool fired at least once.
func (r *Recorder) Called(tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Tool == tool {
			return true
		}
	}
	return false
}
