package uniquetime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []UniqueTime{
		{Micros: 0, InstanceID: 0},
		{Micros: 1, InstanceID: 1},
		{Micros: 1_700_000_000_000_000, InstanceID: 0xBEEF},
		{Micros: (1 << 48) - 1, InstanceID: 0xFFFF},
	}
	for _, ut := range cases {
		encoded := ut.Encode()
		decoded := Decode(encoded)
		assert.Equal(t, ut, decoded)
	}
}

func TestCompareOrdersByMicrosThenInstance(t *testing.T) {
	a := UniqueTime{Micros: 100, InstanceID: 5}
	b := UniqueTime{Micros: 100, InstanceID: 6}
	c := UniqueTime{Micros: 101, InstanceID: 0}

	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
	assert.True(t, Less(a, b))
	assert.True(t, Less(b, c))
	assert.False(t, Less(c, a))
}

func TestEncodeIsOrderPreserving(t *testing.T) {
	a := UniqueTime{Micros: 100, InstanceID: 5}
	b := UniqueTime{Micros: 100, InstanceID: 6}
	c := UniqueTime{Micros: 101, InstanceID: 0}

	assert.Less(t, a.Encode(), b.Encode())
	assert.Less(t, b.Encode(), c.Encode())
}

func TestGeneratorNextIsStrictlyIncreasing(t *testing.T) {
	g := NewGenerator(7, 0)
	ticks := []int64{1000, 1000, 1000, 1005}
	i := 0
	g.now = func() int64 {
		v := ticks[i]
		if i < len(ticks)-1 {
			i++
		}
		return v
	}

	var last UniqueTime
	for n := 0; n < 4; n++ {
		ut, err := g.Next()
		require.NoError(t, err)
		assert.Equal(t, uint16(7), ut.InstanceID)
		if n > 0 {
			assert.True(t, Less(last, ut), "Next() must strictly increase even when the clock holds still")
		}
		last = ut
	}
}

func TestGeneratorRejectsClockRegressionBeyondTolerance(t *testing.T) {
	g := NewGenerator(1, 10)
	g.now = func() int64 { return 1_000_000 }
	_, err := g.Next()
	require.NoError(t, err)

	g.now = func() int64 { return 1_000_000 - 1000 }
	_, err = g.Next()
	var regressionErr *ErrClockRegression
	require.ErrorAs(t, err, &regressionErr)
}

func TestGeneratorToleratesSmallClockRegression(t *testing.T) {
	g := NewGenerator(1, 50_000)
	g.now = func() int64 { return 1_000_000 }
	first, err := g.Next()
	require.NoError(t, err)

	g.now = func() int64 { return 1_000_000 - 1000 }
	second, err := g.Next()
	require.NoError(t, err)
	assert.True(t, Less(first, second))
}
