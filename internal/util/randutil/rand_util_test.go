package randutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntn(t *testing.T) {
	require.Equal(t, int64(0), Intn(1))

	for i := 0; i < 100; i++ {
		n := Intn(10)
		require.GreaterOrEqual(t, n, int64(0))
		require.Less(t, n, int64(10))
	}

	require.Panics(t, func() { Intn(0) })
}
