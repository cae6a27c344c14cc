package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowBlocksAfterLimit(t *testing.T) {
	l := New(time.Minute, 3)
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(time.Minute, 1)
	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("b"))
	require.False(t, l.Allow("a"))
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := New(30*time.Millisecond, 1)
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	time.Sleep(50 * time.Millisecond)
	require.True(t, l.Allow("a"))
}
