package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilgrove/advisord/pkg/catalog"
	"github.com/nilgrove/advisord/pkg/core"
)

func TestExecuteProcProbeOK(t *testing.T) {
	cat := catalog.New(nil)
	exec := New(cat)

	req := core.ProbeRequest{ProbeId: "cpu.info"}
	bound, err := cat.Validate(req)
	require.NoError(t, err)

	result := exec.Execute(context.Background(), req, bound, time.Now().Add(5*time.Second))
	assert.Equal(t, core.ExitOK, result.ExitStatus)
	assert.Contains(t, result.Data, "logical_cores")
	assert.NotEmpty(t, result.Fingerprint)
}

func TestExecuteUnboundProcProbeIsRuntimeError(t *testing.T) {
	cat := catalog.New(nil)
	exec := New(cat)

	// help.topics is bound by catalog.New, but config.show is only
	// bound by the owning daemon; a fresh catalog has no reader yet.
	req := core.ProbeRequest{ProbeId: "config.show"}
	bound, err := cat.Validate(req)
	require.NoError(t, err)

	result := exec.Execute(context.Background(), req, bound, time.Now().Add(5*time.Second))
	assert.Equal(t, core.ExitRuntimeError, result.ExitStatus)
}

func TestExecuteExpiredDeadlineIsTimeout(t *testing.T) {
	cat := catalog.New(nil)
	exec := New(cat)

	req := core.ProbeRequest{ProbeId: "cpu.info"}
	bound, err := cat.Validate(req)
	require.NoError(t, err)

	result := exec.Execute(context.Background(), req, bound, time.Now().Add(-time.Second))
	assert.Equal(t, core.ExitTimeout, result.ExitStatus)
}

func TestExecuteCachesRepeatedRequest(t *testing.T) {
	cat := catalog.New(nil)
	exec := New(cat)

	req := core.ProbeRequest{ProbeId: "mem.info"}
	bound, err := cat.Validate(req)
	require.NoError(t, err)

	first := exec.Execute(context.Background(), req, bound, time.Now().Add(5*time.Second))
	require.Equal(t, core.ExitOK, first.ExitStatus)

	second := exec.Execute(context.Background(), req, bound, time.Now().Add(5*time.Second))
	assert.Equal(t, first.InvokedAt, second.InvokedAt, "second call should be served from cache")
}

func TestExecuteUnvalidatedRequestPanics(t *testing.T) {
	cat := catalog.New(nil)
	exec := New(cat)

	assert.Panics(t, func() {
		exec.Execute(context.Background(), core.ProbeRequest{ProbeId: "not.a.real.probe"}, nil, time.Now().Add(time.Second))
	})
}

func TestParseDfOutput(t *testing.T) {
	stdout := []byte("    Used     Avail Use%\n   123456    654321  16%\n")
	data, truncated, err := parseDf(stdout, false)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, 123456, data["used_kb"])
	assert.Equal(t, 654321, data["available_kb"])
	assert.Equal(t, 16, data["use_percent"])
}

func TestParseDfMalformedIsError(t *testing.T) {
	_, _, err := parseDf([]byte("not df output"), false)
	assert.Error(t, err)
}

func TestParsePkgList(t *testing.T) {
	stdout := []byte("bash\t5.1-6\ncoreutils\t9.1-1\n")
	data, _, err := parsePkgList(stdout, false)
	require.NoError(t, err)
	pkgs, ok := data["packages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "bash", pkgs[0]["name"])
}
