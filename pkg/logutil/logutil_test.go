package logutil

import (
	"testing"

	"github.com/siddontang/loggers"
	"github.com/stretchr/testify/assert"
)

func TestDefaultImplementsAdvanced(t *testing.T) {
	var l loggers.Advanced = Default()
	assert.NotNil(t, l)
}
