package mvcc

import (
	"sync"
	"time"

	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/txn"
)

// Version is one entry of a version chain. A nil row marks a delete
// tombstone.
type Version struct {
	Row       record.Row
	WriterTS  txn.TS
	Committed bool
	CreatedAt time.Time
}

// chainKey addresses a version chain within one store
type chainKey struct {
	table string
	pk    string
}

// chain holds the versions of one (table, primary key) location,
// newest first. Writer timestamps strictly decrease along the slice
// and at most one version is uncommitted at any time.
type chain struct {
	mu       sync.Mutex
	versions []*Version
	readTS   txn.TS
	// dead is set when the garbage collector unlinks the chain; a
	// caller still holding the pointer must re-fetch instead of
	// staging onto the orphan
	dead bool
}

// newestCommittedTS returns the writer timestamp of the newest
// committed version, or zero if none. Caller holds ch.mu.
func (ch *chain) newestCommittedTS() txn.TS {
	for _, v := range ch.versions {
		if v.Committed {
			return v.WriterTS
		}
	}
	return 0
}

// uncommitted returns the uncommitted version of the chain, if any.
// The uncommitted version is always the head. Caller holds ch.mu.
func (ch *chain) uncommitted() *Version {
	if len(ch.versions) > 0 && !ch.versions[0].Committed {
		return ch.versions[0]
	}
	return nil
}

// visibleTo returns the newest version whose writer timestamp does not
// exceed ts. The result may be uncommitted; the read rule decides
// whether to return it or wait on its writer. Caller holds ch.mu.
func (ch *chain) visibleTo(ts txn.TS) *Version {
	for _, v := range ch.versions {
		if v.WriterTS <= ts {
			return v
		}
	}
	return nil
}

// dropUncommitted removes the uncommitted version written by ts, if
// present. Caller holds ch.mu.
func (ch *chain) dropUncommitted(ts txn.TS) {
	if v := ch.uncommitted(); v != nil && v.WriterTS == ts {
		ch.versions = ch.versions[1:]
	}
}
