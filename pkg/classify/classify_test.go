package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilgrove/advisord/pkg/core"
)

func TestClassifyVersionQuestion(t *testing.T) {
	intent := Classify("What version are you running?")
	assert.Equal(t, core.IntentInternal, intent.Kind)
	assert.Equal(t, "version", intent.Constraints["topic"])
}

func TestClassifyHelpQuestion(t *testing.T) {
	intent := Classify("help, what can you do")
	assert.Equal(t, core.IntentInternal, intent.Kind)
	assert.Equal(t, "help", intent.Constraints["topic"])
}

func TestClassifyConfigShowQuestion(t *testing.T) {
	intent := Classify("can you show me the current configuration")
	assert.Equal(t, core.IntentInternal, intent.Kind)
	assert.Equal(t, "config", intent.Constraints["topic"])
}

func TestClassifyConfigChangeWithInterval(t *testing.T) {
	intent := Classify("enable journal collection every 5 minutes")
	assert.Equal(t, core.IntentConfigChange, intent.Kind)
	assert.Equal(t, "enable", intent.Constraints["action"])
	assert.Equal(t, "journal.tail", intent.Constraints["target"])
	assert.Equal(t, 5, intent.Constraints["interval_value"])
	assert.Equal(t, "minute", intent.Constraints["interval_unit"])
}

func TestClassifyConfigChangeDisableWithoutInterval(t *testing.T) {
	intent := Classify("please disable the packages probe")
	assert.Equal(t, core.IntentConfigChange, intent.Kind)
	assert.Equal(t, "disable", intent.Constraints["action"])
	assert.Equal(t, "pkg.list", intent.Constraints["target"])
	_, hasInterval := intent.Constraints["interval_value"]
	assert.False(t, hasInterval)
}

func TestClassifyConfigChangeWithoutRecognizedTargetFallsThrough(t *testing.T) {
	intent := Classify("enable world peace")
	assert.NotEqual(t, core.IntentConfigChange, intent.Kind)
}

func TestClassifyDomainFallback(t *testing.T) {
	cases := map[string]core.IntentKind{
		"how much disk space do I have left":  core.IntentStorage,
		"what packages are installed":         core.IntentPackages,
		"list my network interfaces":          core.IntentNetwork,
		"how many cpu cores does this box have": core.IntentHardware,
		"what happened yesterday":             core.IntentHistorical,
		"tell me a joke":                      core.IntentGeneral,
	}
	for question, want := range cases {
		intent := Classify(question)
		assert.Equal(t, want, intent.Kind, "question: %s", question)
	}
}
