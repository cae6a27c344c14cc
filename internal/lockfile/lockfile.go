// Package lockfile provides an advisory exclusive lock over a directory's
// durable state, guarding against two meetd processes pointed at the same
// data directory. This is the single-node durability boundary: the design
// is explicitly single-node (spec §1 Non-goals), but a single node can
// still be misconfigured to run two instances against one data directory.
package lockfile

import "errors"

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds it.
var ErrLockBusy = errors.New("lockfile: busy, held by another process")

func IsLockBusy(err error) bool { return errors.Is(err, ErrLockBusy) }
