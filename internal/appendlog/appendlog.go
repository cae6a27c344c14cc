// Package appendlog is the durable per-meet Append Log Store (C1): meet
// metadata plus an append-only, newline-delimited log of committed
// updates, crash-recoverable on load. The scan-and-decode approach is
// grounded on the source tree's own jsonl reader (a manual byte-offset
// scan, one JSON object per line); the retry-around-write and
// metrics shape is grounded on the storage layer's withRetry/doltMetrics
// pattern.
package appendlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"

	"github.com/meetsync/meetd/internal/apperr"
	"github.com/meetsync/meetd/internal/metrics"
	"github.com/meetsync/meetd/internal/wire"
)

const (
	metaFileName    = "meta.json"
	updatesFileName = "updates.jsonl"
	publishFileName = "publish.json"
)

// MeetInfo is the persisted metadata record for a meet.
type MeetInfo struct {
	PasswordHash string                  `json:"password_hash"`
	Endpoints    []wire.EndpointPriority `json:"endpoints"`
}

// Record is the on-disk shape of one committed update: Update's fields
// plus the server sequence and the source client identity/priority needed
// to rebuild conflict-resolution state on restart. This is distinct from
// wire.UpdateWithServerSeq, which omits the source client fields from the
// client-facing wire encoding.
type Record struct {
	wire.Update
	ServerSeqNum         uint64 `json:"serverSeqNum"`
	SourceClientID       string `json:"source_client_id"`
	SourceClientPriority uint8  `json:"source_client_priority"`
}

// PublishArtifact is the terminal publish record for a meet.
type PublishArtifact struct {
	OplCSV      string `json:"opl_csv"`
	ReturnEmail string `json:"return_email"`
}

// Store is the filesystem-backed Append Log Store, safe for concurrent
// use across different meet ids. Concurrent appends to the same meet id
// are expected to come from exactly one Meet Actor, per spec §5.
type Store struct {
	dataDir string
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("appendlog: create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) meetDir(meetID string) string { return filepath.Join(s.dataDir, meetID) }

// StoreMeetInfo creates the meet's directory and metadata record. Fails
// with apperr.KindInvalidInput wrapping os.ErrExist if the meet id is
// already taken (exclusive create, per spec §4.1).
func (s *Store) StoreMeetInfo(meetID string, info MeetInfo) error {
	dir := s.meetDir(meetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Storage(fmt.Errorf("create meet dir: %w", err))
	}
	data, err := json.Marshal(info)
	if err != nil {
		return apperr.Internal(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, metaFileName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return apperr.InvalidInput(fmt.Errorf("meet %s already exists: %w", meetID, os.ErrExist))
		}
		return apperr.Storage(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return apperr.Storage(err)
	}
	return f.Sync()
}

// GetMeetInfo loads metadata, failing with apperr.KindNotFound if the
// meet id is unknown.
func (s *Store) GetMeetInfo(meetID string) (MeetInfo, error) {
	data, err := os.ReadFile(filepath.Join(s.meetDir(meetID), metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return MeetInfo{}, apperr.NotFound(fmt.Errorf("meet %s not found", meetID))
		}
		return MeetInfo{}, apperr.Storage(err)
	}
	var info MeetInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return MeetInfo{}, apperr.Storage(fmt.Errorf("decode meet info: %w", err))
	}
	return info, nil
}

// AppendUpdate atomically appends one serialized record and does not
// return until it is written and fsync'd, retrying transient failures with
// bounded exponential backoff (up to 5 retries) the way the storage layer
// retries durable writes.
func (s *Store) AppendUpdate(ctx context.Context, meetID string, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode update record: %w", err))
	}
	line = append(line, '\n')

	dir := s.meetDir(meetID)
	path := filepath.Join(dir, updatesFileName)

	attempts := 0
	op := func() error {
		attempts++
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write(line); err != nil {
			return err
		}
		return f.Sync()
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return apperr.Storage(fmt.Errorf("append update after %d attempts: %w", attempts, err))
	}
	if attempts > 1 {
		metrics.AppendRetries.Add(ctx, int64(attempts-1))
	}
	return nil
}

// LoadUpdates rebuilds the ordered record sequence for a meet at actor
// construction time. Any trailing partial record (a crash mid-write) is
// truncated from the file before it is reopened for append.
func (s *Store) LoadUpdates(meetID string) ([]Record, error) {
	path := filepath.Join(s.meetDir(meetID), updatesFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Storage(err)
	}

	var records []Record
	validLen := 0
	offset := 0
	for offset < len(data) {
		nl := bytes.IndexByte(data[offset:], '\n')
		var line []byte
		var lineEnd int
		if nl < 0 {
			// trailing bytes with no terminator: partial record, truncate.
			break
		}
		line = data[offset : offset+nl]
		lineEnd = offset + nl + 1

		if len(bytes.TrimSpace(line)) == 0 {
			offset = lineEnd
			validLen = lineEnd
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A non-terminal decode failure means real corruption, not a
			// partial trailing write; surface it rather than silently
			// dropping committed data.
			if lineEnd == len(data) {
				break
			}
			return nil, apperr.Storage(fmt.Errorf("corrupt update record in %s: %w", path, err))
		}
		records = append(records, rec)
		offset = lineEnd
		validLen = lineEnd
	}

	if validLen < len(data) {
		if err := os.Truncate(path, int64(validLen)); err != nil {
			return nil, apperr.Storage(fmt.Errorf("truncate partial record: %w", err))
		}
	}
	return records, nil
}

// StorePublishArtifact records the terminal publish artifact. Idempotent:
// repeated publishes overwrite the previous artifact.
func (s *Store) StorePublishArtifact(meetID string, art PublishArtifact) error {
	dir := s.meetDir(meetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Storage(err)
	}
	data, err := json.Marshal(art)
	if err != nil {
		return apperr.Internal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, publishFileName), data, 0o644); err != nil {
		return apperr.Storage(err)
	}
	metrics.CSVSize.Record(context.Background(), int64(len(art.OplCSV)))
	return nil
}
