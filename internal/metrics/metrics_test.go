package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/wire"
)

type stubModule struct {
	name string
	m    module.Metrics
}

func (s *stubModule) Name() string                                                { return s.name }
func (s *stubModule) Version() string                                             { return "1.0.0" }
func (s *stubModule) Methods() []wire.Method                                      { return []wire.Method{wire.REQMOD} }
func (s *stubModule) Init(interface{}) error                                      { return nil }
func (s *stubModule) HandleREQMOD(context.Context, *wire.Request) module.Verdict   { return module.ContinueVerdict() }
func (s *stubModule) HandleRESPMOD(context.Context, *wire.Request) module.Verdict  { return module.ContinueVerdict() }
func (s *stubModule) HandleOPTIONS(context.Context, *wire.Request) module.Verdict  { return module.ContinueVerdict() }
func (s *stubModule) Health() module.HealthSnapshot                               { return module.HealthSnapshot{} }
func (s *stubModule) Metrics() module.Metrics                                     { return s.m }
func (s *stubModule) Shutdown() error                                             { return nil }

func TestRegisterModule_ExportsPerModuleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	mod := &stubModule{name: "antivirus", m: module.Metrics{Invocations: 5, Errors: 1, Blocks: 2, Modifies: 0}}
	m.RegisterModule(mod)

	out, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range out {
		if mf.GetName() == "icapd_module_invocations_total" {
			found = true
			require.Equal(t, float64(5), mf.Metric[0].Counter.GetValue())
			require.Equal(t, "antivirus", mf.Metric[0].Label[0].GetValue())
		}
	}
	require.True(t, found, "expected icapd_module_invocations_total to be exported")
}

func TestRuleMatch_IncrementsByRuleLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RuleMatch("EICAR_Test")
	m.RuleMatch("EICAR_Test")
	m.RuleMatch("Other_Rule")

	require.Equal(t, float64(2), testutil.ToFloat64(m.ruleMatches.WithLabelValues("EICAR_Test")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ruleMatches.WithLabelValues("Other_Rule")))
}

func TestSetQuarantineSize_ReflectsLatestValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetQuarantineSize(3)
	require.Equal(t, float64(3), testutil.ToFloat64(m.quarantineSize))
	m.SetQuarantineSize(7)
	require.Equal(t, float64(7), testutil.ToFloat64(m.quarantineSize))
}

func TestInFlight_IncAndDec(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.InFlightInc()
	m.InFlightInc()
	require.Equal(t, float64(2), testutil.ToFloat64(m.inFlight))
	m.InFlightDec()
	require.Equal(t, float64(1), testutil.ToFloat64(m.inFlight))
}

func TestObserveStage_RecordsAgainstMethodAndStageLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveStage("REQMOD", "parse", 0)

	out, err := reg.Gather()
	require.NoError(t, err)
	var sawStage bool
	for _, mf := range out {
		if !strings.Contains(mf.GetName(), "transaction_stage_duration_seconds") {
			continue
		}
		for _, metric := range mf.Metric {
			for _, lbl := range metric.Label {
				if lbl.GetName() == "stage" && lbl.GetValue() == "parse" {
					sawStage = true
				}
			}
		}
	}
	require.True(t, sawStage)
}
