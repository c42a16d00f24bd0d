package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutesVariables(t *testing.T) {
	t.Setenv("DRIFT_CHANNEL", "#scoring-drift")

	out := ExpandEnv([]byte("channel: {{.DRIFT_CHANNEL}}"))
	assert.Equal(t, "channel: #scoring-drift", string(out))
}

func TestExpandEnvMissingVariableIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("channel: '{{.DEFINITELY_NOT_SET_ANYWHERE}}'"))
	assert.Equal(t, "channel: ''", string(out))
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	in := []byte(`pattern: "^F\\d{3}$"` + "\nvalue: $100")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvPassesThroughOnBadTemplate(t *testing.T) {
	in := []byte("broken: {{.unclosed")
	assert.Equal(t, in, ExpandEnv(in))
}
