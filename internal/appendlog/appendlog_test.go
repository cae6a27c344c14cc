package appendlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meetsync/meetd/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStoreMeetInfoAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	info := MeetInfo{PasswordHash: "h", Endpoints: []wire.EndpointPriority{{LocationName: "A", Priority: 1}}}
	require.NoError(t, s.StoreMeetInfo("100-100-100", info))
	err := s.StoreMeetInfo("100-100-100", info)
	require.Error(t, err)
}

func TestGetMeetInfoNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMeetInfo("999-999-999")
	require.Error(t, err)
}

func TestAppendAndLoadUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		rec := Record{
			Update:               wire.Update{UpdateKey: "k", UpdateValue: json.RawMessage("1"), LocalSeqNum: i},
			ServerSeqNum:         i,
			SourceClientID:       "A",
			SourceClientPriority: 1,
		}
		require.NoError(t, s.AppendUpdate(ctx, "100-100-100", rec))
	}
	recs, err := s.LoadUpdates("100-100-100")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, uint64(1), recs[0].ServerSeqNum)
	require.Equal(t, uint64(3), recs[2].ServerSeqNum)
}

func TestLoadUpdatesTruncatesPartialTrailingRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := Record{Update: wire.Update{UpdateKey: "k", UpdateValue: json.RawMessage("1"), LocalSeqNum: 1}, ServerSeqNum: 1}
	require.NoError(t, s.AppendUpdate(ctx, "100-100-100", rec))

	path := filepath.Join(s.meetDir("100-100-100"), updatesFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"update_key":"k2","local_seq`) // partial, no newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	before, err := os.Stat(path)
	require.NoError(t, err)

	recs, err := s.LoadUpdates("100-100-100")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size())
}

func TestLoadUpdatesEmptyMeetReturnsNil(t *testing.T) {
	s := newTestStore(t)
	recs, err := s.LoadUpdates("100-100-100")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestStorePublishArtifactIdempotentOverwrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StoreMeetInfo("100-100-100", MeetInfo{}))
	require.NoError(t, s.StorePublishArtifact("100-100-100", PublishArtifact{OplCSV: "a,b,c", ReturnEmail: "x@example.com"}))
	require.NoError(t, s.StorePublishArtifact("100-100-100", PublishArtifact{OplCSV: "d,e,f", ReturnEmail: "y@example.com"}))

	data, err := os.ReadFile(filepath.Join(s.meetDir("100-100-100"), publishFileName))
	require.NoError(t, err)
	var art PublishArtifact
	require.NoError(t, json.Unmarshal(data, &art))
	require.Equal(t, "d,e,f", art.OplCSV)
}
