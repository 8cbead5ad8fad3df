package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVariableRejectsBoundsOnNonNumeric(t *testing.T) {
	_, err := NewVariable("name", VISIBLE_STRING, AccessRW, nil, 1, uint64(0), uint64(10))
	assert.Error(t, err)
}

func TestNewVariableDefaultsFactorToOne(t *testing.T) {
	v, err := NewVariable("v", UNSIGNED8, AccessRW, nil, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v.Factor)
}

func TestVariableInRange(t *testing.T) {
	v, err := NewVariable("v", UNSIGNED8, AccessRW, nil, 1, uint64(1), uint64(10))
	require.NoError(t, err)

	assert.True(t, v.InRange(uint64(5)))
	assert.False(t, v.InRange(uint64(0)))
	assert.False(t, v.InRange(uint64(11)))
}

func TestVariableZeroValue(t *testing.T) {
	numeric, _ := NewVariable("v", UNSIGNED16, AccessRW, nil, 1, nil, nil)
	assert.EqualValues(t, 0, numeric.ZeroValue())

	str, _ := NewVariable("s", VISIBLE_STRING, AccessRW, nil, 1, nil, nil)
	assert.Equal(t, []byte{}, str.ZeroValue())
}
