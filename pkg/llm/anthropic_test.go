package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputPlainJSON(t *testing.T) {
	out, err := parseOutput(`{
		"narrative": "Shopper stalled at checkout after a declined card.",
		"detected_friction_ids": ["F096"],
		"signals": {"intent": 80, "friction": 85, "clarity": 70, "receptivity": 60, "value": 55},
		"recommended_action": "escalate",
		"reasoning": "Payment failure on a loaded cart."
	}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"F096"}, out.DetectedFrictionIDs)
	assert.Equal(t, 85, out.Signals.Friction)
	assert.Equal(t, "escalate", out.RecommendedAction)
}

func TestParseOutputFencedBlock(t *testing.T) {
	out, err := parseOutput("Here is my analysis:\n```json\n{\"narrative\":\"browsing\",\"signals\":{\"intent\":20,\"friction\":10,\"clarity\":40,\"receptivity\":50,\"value\":30},\"recommended_action\":\"monitor\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "browsing", out.Narrative)
	assert.Equal(t, "monitor", out.RecommendedAction)
}

func TestParseOutputClampsSignals(t *testing.T) {
	out, err := parseOutput(`{"signals":{"intent":150,"friction":-5,"clarity":100,"receptivity":0,"value":101}}`)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Signals.Intent)
	assert.Equal(t, 0, out.Signals.Friction)
	assert.Equal(t, 100, out.Signals.Value)
}

func TestParseOutputRejectsGarbage(t *testing.T) {
	_, err := parseOutput("the model refused to answer")
	assert.Error(t, err)

	_, err = parseOutput(`{"signals": "not an object"}`)
	assert.Error(t, err)
}
