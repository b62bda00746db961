package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat64Pointer(t *testing.T) {
	for _, v := range []float64{3.14, 0.0, -42.5} {
		ptr := Float64Pointer(v)
		require.NotNil(t, ptr)
		assert.Equal(t, v, *ptr)
	}
}

func TestIntPointer(t *testing.T) {
	ptr := IntPointer(7)
	require.NotNil(t, ptr)
	assert.Equal(t, 7, *ptr)
}
