package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/wire"
)

type stubModule struct {
	name    string
	version string
}

func (s *stubModule) Name() string           { return s.name }
func (s *stubModule) Version() string        { return s.version }
func (s *stubModule) Methods() []wire.Method { return []wire.Method{wire.REQMOD} }
func (s *stubModule) Init(interface{}) error { return nil }
func (s *stubModule) HandleREQMOD(context.Context, *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}
func (s *stubModule) HandleRESPMOD(context.Context, *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}
func (s *stubModule) HandleOPTIONS(context.Context, *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}
func (s *stubModule) Health() module.HealthSnapshot { return module.HealthSnapshot{} }
func (s *stubModule) Metrics() module.Metrics       { return module.Metrics{} }
func (s *stubModule) Shutdown() error               { return nil }

func TestReload_ISTagStableAcrossIdenticalReloads(t *testing.T) {
	r := New()
	services := []*Service{
		{Name: "icapd", Modules: []module.Module{&stubModule{name: "content_filter", version: "1.0.0"}}},
	}
	r.Reload(services)
	first := r.ISTag()

	r.Reload(services)
	require.Equal(t, first, r.ISTag())
}

func TestReload_ISTagChangesWithModuleComposition(t *testing.T) {
	r := New()
	r.Reload([]*Service{
		{Name: "icapd", Modules: []module.Module{&stubModule{name: "content_filter", version: "1.0.0"}}},
	})
	before := r.ISTag()

	r.Reload([]*Service{
		{Name: "icapd", Modules: []module.Module{
			&stubModule{name: "content_filter", version: "1.0.0"},
			&stubModule{name: "antivirus", version: "1.0.0"},
		}},
	})
	after := r.ISTag()

	require.NotEqual(t, before, after)
}

func TestLookup_ReturnsConsistentSnapshotDuringReload(t *testing.T) {
	r := New()
	r.Reload([]*Service{{Name: "icapd", Modules: []module.Module{&stubModule{name: "a", version: "1"}}}})

	svc, ok := r.Lookup("icapd")
	require.True(t, ok)
	require.Len(t, svc.Modules, 1)

	r.Reload([]*Service{{Name: "icapd", Modules: []module.Module{&stubModule{name: "a", version: "1"}, &stubModule{name: "b", version: "1"}}}})

	// The handle obtained before Reload still reflects its own snapshot.
	require.Len(t, svc.Modules, 1)

	svc2, ok := r.Lookup("icapd")
	require.True(t, ok)
	require.Len(t, svc2.Modules, 2)
}

func TestLookup_UnknownServiceNotFound(t *testing.T) {
	r := New()
	_, ok := r.Lookup("nope")
	require.False(t, ok)
}

func TestLookup_FallsBackToLongestRegisteredPathPrefix(t *testing.T) {
	r := New()
	avscan := &Service{Name: "avscan", Modules: []module.Module{&stubModule{name: "a", version: "1"}}}
	avscanSub := &Service{Name: "avscan/strict", Modules: []module.Module{&stubModule{name: "b", version: "1"}}}
	r.Reload([]*Service{avscan, avscanSub})

	svc, ok := r.Lookup("avscan/strict/resource.txt")
	require.True(t, ok)
	require.Equal(t, "avscan/strict", svc.Name)

	svc, ok = r.Lookup("avscan/other/resource.txt")
	require.True(t, ok)
	require.Equal(t, "avscan", svc.Name)

	_, ok = r.Lookup("unrelated/resource.txt")
	require.False(t, ok)
}

func TestLookup_PrefixFallbackDoesNotMatchOnNonBoundary(t *testing.T) {
	r := New()
	r.Reload([]*Service{{Name: "avscan", Modules: []module.Module{&stubModule{name: "a", version: "1"}}}})

	// "avscanner" shares a text prefix with "avscan" but isn't a
	// path-delimited prefix of it, so it must not resolve.
	_, ok := r.Lookup("avscanner/resource.txt")
	require.False(t, ok)
}

type ruleSetVersionedStub struct {
	stubModule
	version string
}

func (s *ruleSetVersionedStub) RuleSetVersion() string { return s.version }

func TestReload_ISTagChangesWithRuleSetVersion(t *testing.T) {
	r := New()
	av := &ruleSetVersionedStub{stubModule: stubModule{name: "antivirus", version: "1.0.0"}, version: "aaaaaaaa"}
	r.Reload([]*Service{{Name: "icapd", Modules: []module.Module{av}}})
	before := r.ISTag()

	av.version = "bbbbbbbb"
	r.Reload([]*Service{{Name: "icapd", Modules: []module.Module{av}}})
	after := r.ISTag()

	require.NotEqual(t, before, after)
}
