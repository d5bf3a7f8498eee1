package cpuset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheLinePadSizeIsPositive(t *testing.T) {
	require.Greater(t, CacheLinePadSize, 0)
}
