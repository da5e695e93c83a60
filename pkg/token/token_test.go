package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTokenShape(t *testing.T) {
	tok, err := New()
	assert.NoError(t, err)
	assert.Len(t, tok, 36)
	assert.Equal(t, byte('-'), tok[8])
	assert.Equal(t, byte('-'), tok[13])
	assert.Equal(t, byte('-'), tok[18])
	assert.Equal(t, byte('-'), tok[23])
}

func TestNewTokenUnique(t *testing.T) {
	a, err := New()
	assert.NoError(t, err)
	b, err := New()
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}
