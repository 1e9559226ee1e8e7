package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, 1, c.ParallelCopies)
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsZeroParallelCopies(t *testing.T) {
	c := New()
	c.ParallelCopies = 0
	assert.Error(t, c.Validate())
}
