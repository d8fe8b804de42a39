package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/registry"
	"github.com/tokenshield/icapd/internal/wire"
)

type fakeModule struct {
	name       string
	reqVerdict module.Verdict
	calls      *[]string
	health     module.HealthSnapshot
}

func (f *fakeModule) Name() string           { return f.name }
func (f *fakeModule) Version() string        { return "1.0.0" }
func (f *fakeModule) Methods() []wire.Method { return []wire.Method{wire.REQMOD} }
func (f *fakeModule) Init(interface{}) error { return nil }
func (f *fakeModule) HandleREQMOD(ctx context.Context, req *wire.Request) module.Verdict {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.name)
	}
	return f.reqVerdict
}
func (f *fakeModule) HandleRESPMOD(context.Context, *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}
func (f *fakeModule) HandleOPTIONS(context.Context, *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}
func (f *fakeModule) Health() module.HealthSnapshot { return f.health }
func (f *fakeModule) Metrics() module.Metrics       { return module.Metrics{} }
func (f *fakeModule) Shutdown() error               { return nil }

func TestRun_BlockShortCircuitsLaterModules(t *testing.T) {
	var calls []string
	svc := &registry.Service{Modules: []module.Module{
		&fakeModule{name: "first", reqVerdict: module.Verdict{Kind: module.Block, BlockReason: "blocked by first"}, calls: &calls},
		&fakeModule{name: "second", reqVerdict: module.ContinueVerdict(), calls: &calls},
	}}

	p := New(time.Second)
	outcome := p.Run(context.Background(), svc, wire.REQMOD, &wire.Request{Header: wire.NewHeader()})

	require.Equal(t, module.Block, outcome.Verdict.Kind)
	require.Equal(t, "first", outcome.ModuleName)
	require.Equal(t, []string{"first"}, calls)
}

func TestRun_ContinueRunsEveryModule(t *testing.T) {
	var calls []string
	svc := &registry.Service{Modules: []module.Module{
		&fakeModule{name: "first", reqVerdict: module.ContinueVerdict(), calls: &calls},
		&fakeModule{name: "second", reqVerdict: module.ContinueVerdict(), calls: &calls},
	}}

	p := New(time.Second)
	outcome := p.Run(context.Background(), svc, wire.REQMOD, &wire.Request{Header: wire.NewHeader()})

	require.Equal(t, module.Continue, outcome.Verdict.Kind)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestResume_SkipsModulesBeforeTheResumePoint(t *testing.T) {
	var calls []string
	asker := &fakeModule{name: "first", reqVerdict: module.NeedMoreBodyVerdict(), calls: &calls}
	svc := &registry.Service{Modules: []module.Module{
		&fakeModule{name: "zero", reqVerdict: module.ContinueVerdict(), calls: &calls},
		asker,
		&fakeModule{name: "second", reqVerdict: module.ContinueVerdict(), calls: &calls},
	}}

	p := New(time.Second)
	req := &wire.Request{Header: wire.NewHeader()}
	first := p.Run(context.Background(), svc, wire.REQMOD, req)
	require.Equal(t, module.NeedMoreBody, first.Verdict.Kind)
	require.Equal(t, []string{"zero", "first"}, calls)

	// With the rest of the body read, the module that asked for it now
	// lets the transaction through.
	asker.reqVerdict = module.ContinueVerdict()
	calls = nil
	second := p.Resume(context.Background(), svc, wire.REQMOD, req, first.ModuleName)
	require.Equal(t, module.Continue, second.Verdict.Kind)
	require.Equal(t, []string{"first", "second"}, calls)
}

func TestRun_SkipsDegradedModule(t *testing.T) {
	var calls []string
	svc := &registry.Service{Modules: []module.Module{
		&fakeModule{
			name:       "broken",
			reqVerdict: module.Verdict{Kind: module.Block, BlockReason: "should never be invoked"},
			calls:      &calls,
			health:     module.HealthSnapshot{State: module.Degraded},
		},
		&fakeModule{name: "healthy", reqVerdict: module.ContinueVerdict(), calls: &calls},
	}}

	p := New(time.Second)
	outcome := p.Run(context.Background(), svc, wire.REQMOD, &wire.Request{Header: wire.NewHeader()})

	require.Equal(t, module.Continue, outcome.Verdict.Kind)
	require.Equal(t, []string{"healthy"}, calls)
}

func TestRun_ModifyCarriesToNextModule(t *testing.T) {
	modified := []byte("new body")
	svc := &registry.Service{Modules: []module.Module{
		&fakeModule{name: "rewriter", reqVerdict: module.Verdict{Kind: module.Modify, NewBody: modified}},
		&fakeModule{name: "checker", reqVerdict: module.ContinueVerdict()},
	}}

	p := New(time.Second)
	req := &wire.Request{Header: wire.NewHeader(), Body: wire.Body{Present: true, Data: []byte("old body")}}
	outcome := p.Run(context.Background(), svc, wire.REQMOD, req)

	require.Equal(t, module.Continue, outcome.Verdict.Kind)
	require.Equal(t, modified, req.Body.Data)
}
