package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailableRequiresKeyAndModel(t *testing.T) {
	assert.True(t, NewClient("sk-test", "gpt-4", 0.2, 2048, 60).Available())
	assert.False(t, NewClient("", "gpt-4", 0.2, 2048, 60).Available())
	assert.False(t, NewClient("sk-test", "", 0.2, 2048, 60).Available())
}
