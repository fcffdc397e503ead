package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeAdd(t *testing.T) {
	v, err := SafeAdd(5000, -12000)
	require.NoError(t, err)
	assert.Equal(t, int64(-7000), v)

	_, err = SafeAdd(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = SafeAdd(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSafeMul(t *testing.T) {
	v, err := SafeMul(5000, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), v)

	v, err = SafeMul(0, math.MaxInt64)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = SafeMul(math.MaxInt64/2, 3)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = SafeMul(math.MinInt64, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.000000"},
		{5000, "0.005000"},
		{12_500_000, "12.500000"},
		{-3000, "-0.003000"},
		{math.MinInt64, "-9223372036854.775808"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.in))
	}
}
