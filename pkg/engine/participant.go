package engine

import (
	"context"

	"github.com/mnohosten/klara-db/pkg/mvcc"
	"github.com/mnohosten/klara-db/pkg/txn"
)

// storeParticipant adapts a store's version manager to the two-phase
// commit participant contract
type storeParticipant struct {
	manager *mvcc.Manager
}

func (p *storeParticipant) ID() string {
	return p.manager.Name()
}

func (p *storeParticipant) Prepare(ctx context.Context, tx *txn.Transaction) (bool, error) {
	return p.manager.Prepare(ctx, tx)
}

func (p *storeParticipant) Commit(tx *txn.Transaction) error {
	return p.manager.Commit(tx)
}

func (p *storeParticipant) Abort(tx *txn.Transaction) {
	p.manager.Discard(tx)
}
