package advisor

import (
	"testing"

	"github.com/fieldlink/safetransfer/pkg/transport/fec"
	"github.com/fieldlink/safetransfer/pkg/transport/pathmon"
	"github.com/fieldlink/safetransfer/pkg/transport/scheduler"
)

func TestConsultWithNilFuncReturnsNoRecommendation(t *testing.T) {
	rec, ok := Consult(nil, Context{})
	if ok || rec != nil {
		t.Fatalf("nil advisor should never produce a recommendation, got %+v, %v", rec, ok)
	}
}

func TestConsultDelegatesToFunc(t *testing.T) {
	path := pathmon.Tag("wan0")
	fn := Func(func(ctx Context) (*Recommendation, bool) {
		if ctx.FlowKey != "flow-a" {
			return nil, false
		}
		return &Recommendation{
			Priority:      scheduler.PriorityHigh,
			PreferredPath: &path,
			Redundancy:    fec.PresetFileTransfer,
			Compress:      true,
		}, true
	})

	rec, ok := Consult(fn, Context{FlowKey: "flow-a"})
	if !ok {
		t.Fatalf("expected a recommendation")
	}
	if rec.PreferredPath == nil || *rec.PreferredPath != path {
		t.Fatalf("unexpected preferred path: %+v", rec.PreferredPath)
	}
	if !rec.Compress {
		t.Fatalf("expected compress hint to pass through")
	}

	rec, ok = Consult(fn, Context{FlowKey: "flow-b"})
	if ok || rec != nil {
		t.Fatalf("expected no recommendation for an unmatched flow")
	}
}
