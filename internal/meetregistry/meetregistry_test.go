package meetregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meetsync/meetd/internal/appendlog"
)

func TestGetOrSpawnIsIdempotent(t *testing.T) {
	store, err := appendlog.NewStore(t.TempDir())
	require.NoError(t, err)
	r := New(store, nil, 8)

	m1, err := r.GetOrSpawn("100-100-100")
	require.NoError(t, err)
	m2, err := r.GetOrSpawn("100-100-100")
	require.NoError(t, err)
	require.Same(t, m1, m2)
	require.Equal(t, 1, r.Count())

	t.Cleanup(func() { require.NoError(t, r.Shutdown(context.Background())) })
}

func TestGetMissingMeetReturnsFalse(t *testing.T) {
	store, err := appendlog.NewStore(t.TempDir())
	require.NoError(t, err)
	r := New(store, nil, 8)

	_, ok := r.Get("999-999-999")
	require.False(t, ok)
}

func TestShutdownClosesAllActors(t *testing.T) {
	store, err := appendlog.NewStore(t.TempDir())
	require.NoError(t, err)
	r := New(store, nil, 8)

	_, err = r.GetOrSpawn("100-100-100")
	require.NoError(t, err)
	_, err = r.GetOrSpawn("200-200-200")
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	require.Equal(t, 0, r.Count())
}
