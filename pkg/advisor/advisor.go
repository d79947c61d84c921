// Package advisor defines the advisory hint surface for scheduling and FEC
// choices; the scheduler and FEC packages do not import it. Hints come only
// from a nil-able Func value queried through Consult, so absence of an
// advisor is always a valid, fully-supported configuration.
package advisor

import (
	"github.com/fieldlink/safetransfer/pkg/transport/fec"
	"github.com/fieldlink/safetransfer/pkg/transport/pathmon"
	"github.com/fieldlink/safetransfer/pkg/transport/scheduler"
)

// Recommendation is the advisory output for one in-flight flow or packet
// class. Every field is a hint; a consumer is free to ignore any subset of
// it.
type Recommendation struct {
	Priority      scheduler.Priority
	PreferredPath *pathmon.Tag
	Redundancy    fec.Preset
	Compress      bool
	Skip          bool
}

// Context is the read-only view an advisor is given to base its
// recommendation on. It mirrors the same per-path/per-flow data the
// scheduler and observer already compute, so producing a Context never
// requires a second measurement pass.
type Context struct {
	FlowKey    string
	Priority   scheduler.Priority
	PathStats  []pathmon.Stats
	QueueDepth int
}

// Func is an advisory strategy hook: given the current Context it returns a
// Recommendation and whether one applies. A nil Func means "no advisor
// configured" and must be treated identically to a Func that always returns
// (nil, false).
//
// Grounded on the function-value strategy-hook idiom already used twice in
// the retrieval pack: thelastdreamer-MultiWANBond/pkg/router/failover.go's
// FailoverManager.failoverCallback field and
// pkg/transport/handover.Coordinator's Subscribe(fn func(Event)) — both
// plug an optional external decision/observation point into a core loop
// without the core depending on any specific implementation.
type Func func(ctx Context) (*Recommendation, bool)

// Consult calls fn if it is non-nil, and reports (nil, false) otherwise.
// Callers should prefer Consult over invoking a possibly-nil Func directly,
// since it centralizes the nil check spec §9 requires every call site to
// honor.
func Consult(fn Func, ctx Context) (*Recommendation, bool) {
	if fn == nil {
		return nil, false
	}
	return fn(ctx)
}
