package meetactor

import (
	"github.com/meetsync/meetd/internal/appendlog"
	"github.com/meetsync/meetd/internal/wire"
)

func toRecord(u wire.UpdateWithServerSeq) appendlog.Record {
	return appendlog.Record{
		Update:               u.Update,
		ServerSeqNum:         u.ServerSeqNum,
		SourceClientID:       u.SourceClientID,
		SourceClientPriority: u.SourceClientPriority,
	}
}

func fromRecord(r appendlog.Record) wire.UpdateWithServerSeq {
	return wire.UpdateWithServerSeq{
		Update:               r.Update,
		ServerSeqNum:         r.ServerSeqNum,
		SourceClientID:       r.SourceClientID,
		SourceClientPriority: r.SourceClientPriority,
	}
}
