package visited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := NewSet(128)

	assert.True(t, s.Add(5))
	assert.False(t, s.Add(5))
	assert.True(t, s.Contains(5))
	assert.False(t, s.Contains(6))
	assert.Equal(t, 1, s.Len())

	s.Reset()
	assert.False(t, s.Contains(5))
	assert.Zero(t, s.Len())
	assert.True(t, s.Add(5))
}

func TestSetGrow(t *testing.T) {
	s := NewSet(8)
	assert.True(t, s.Add(1000))
	assert.True(t, s.Contains(1000))
	assert.False(t, s.Contains(999))

	s.Reset()
	assert.False(t, s.Contains(1000))
}
