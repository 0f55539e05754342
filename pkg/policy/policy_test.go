package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilgrove/advisord/pkg/core"
)

func TestLoadMissingFileYieldsPermissivePolicy(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Empty(t, p.DisabledProbeIDs())
	assert.False(t, p.VerifyConfirmationPhrase("anything"))
}

func TestLoadParsesDisabledProbesAndBlockedArgs(t *testing.T) {
	path := writePolicyFile(t, `
disabled_probes:
  - net.connections
blocked_arg_values:
  disk.df.mountpoint:
    - /mnt/secret
min_reliability_by_risk:
  high: 0.9
`)
	p, err := Load(path)
	require.NoError(t, err)

	assert.ElementsMatch(t, []core.ProbeId{"net.connections"}, p.DisabledProbeIDs())
	assert.True(t, p.IsArgValueBlocked("disk.df", "mountpoint", "/mnt/secret"))
	assert.False(t, p.IsArgValueBlocked("disk.df", "mountpoint", "/"))

	min, ok := p.MinReliability("high")
	require.True(t, ok)
	assert.InDelta(t, 0.9, min, 1e-9)

	_, ok = p.MinReliability("unknown")
	assert.False(t, ok)
}

func TestHashAndVerifyConfirmationPhraseRoundTrip(t *testing.T) {
	hash, err := HashConfirmationPhrase("yes i am sure")
	require.NoError(t, err)

	path := writePolicyFile(t, "confirmation_phrase_hash: \""+hash+"\"\n")
	p, err := Load(path)
	require.NoError(t, err)

	assert.True(t, p.VerifyConfirmationPhrase("yes i am sure"))
	assert.False(t, p.VerifyConfirmationPhrase("wrong phrase"))
}

func TestApplyDisableThenEnablePersistsToDisk(t *testing.T) {
	path := writePolicyFile(t, "disabled_probes: []\n")
	p, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, p.Apply(Mutation{Action: "disable", Target: "proc.top"}))
	assert.Contains(t, p.DisabledProbeIDs(), core.ProbeId("proc.top"))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, reloaded.DisabledProbeIDs(), core.ProbeId("proc.top"))

	require.NoError(t, p.Apply(Mutation{Action: "enable", Target: "proc.top"}))
	assert.NotContains(t, p.DisabledProbeIDs(), core.ProbeId("proc.top"))
}

func TestApplyRejectsUnknownAction(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	err = p.Apply(Mutation{Action: "explode", Target: "proc.top"})
	assert.Error(t, err)
}

func TestSnapshotRedactsConfirmationPhraseHash(t *testing.T) {
	hash, err := HashConfirmationPhrase("yes i am sure")
	require.NoError(t, err)

	path := writePolicyFile(t, `
disabled_probes:
  - proc.top
confirmation_phrase_hash: "`+hash+`"
`)
	p, err := Load(path)
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, true, snap["confirmation_phrase_set"])
	assert.NotContains(t, snap, "confirmation_phrase_hash")
	assert.Contains(t, snap["disabled_probes"], "proc.top")
}

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
