package distributed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mnohosten/klara-db/pkg/txn"
)

// State represents the state of a 2PC coordinator
type State int

const (
	StateInit State = iota
	StatePreparing
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

// Participant is a resource that takes part in two-phase commit.
// Within this engine the participants are the per-store version
// managers, addressed by store name.
type Participant interface {
	// ID returns the participant's unique identifier
	ID() string

	// Prepare asks the participant to vote on commit. A false vote
	// without error is a veto.
	Prepare(ctx context.Context, tx *txn.Transaction) (bool, error)

	// Commit applies the transaction. The commit phase must not fail
	// for a participant that voted yes.
	Commit(tx *txn.Transaction) error

	// Abort discards the transaction's staged state
	Abort(tx *txn.Transaction)
}

// Coordinator drives the two-phase commit protocol for one
// transaction. Participants are visited in deterministic order
// (sorted by ID) so that prepare latches are always acquired in the
// same order across concurrent commits.
type Coordinator struct {
	mu           sync.Mutex
	tx           *txn.Transaction
	state        State
	participants []Participant
	vetoedBy     string
}

// NewCoordinator creates a coordinator for a transaction
func NewCoordinator(tx *txn.Transaction) *Coordinator {
	return &Coordinator{
		tx:    tx,
		state: StateInit,
	}
}

// AddParticipant registers a participant. Registration is only valid
// before the protocol starts.
func (c *Coordinator) AddParticipant(p Participant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInit {
		return ErrNotInit
	}
	for _, existing := range c.participants {
		if existing.ID() == p.ID() {
			return fmt.Errorf("%w: %s", ErrParticipantAlreadyAdded, p.ID())
		}
	}
	c.participants = append(c.participants, p)
	sort.Slice(c.participants, func(i, j int) bool {
		return c.participants[i].ID() < c.participants[j].ID()
	})
	return nil
}

// Prepare runs phase one. Participants vote in deterministic order;
// the first veto or error short-circuits. On a failed prepare the
// participants that already voted yes still hold their latches and
// must be released through Abort.
func (c *Coordinator) Prepare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return false, ErrNotInit
	}
	c.state = StatePreparing
	participants := c.participants
	c.mu.Unlock()

	for _, p := range participants {
		vote, err := p.Prepare(ctx, c.tx)
		if err != nil {
			c.noteVeto(p.ID())
			return false, fmt.Errorf("participant %s: %w", p.ID(), err)
		}
		if !vote {
			c.noteVeto(p.ID())
			return false, nil
		}
	}
	return true, nil
}

// Commit runs phase two. Only valid after every participant voted
// yes; the phase only flips in-memory state and must not fail.
func (c *Coordinator) Commit() error {
	c.mu.Lock()
	if c.state != StatePreparing {
		c.mu.Unlock()
		return ErrNotPreparing
	}
	c.state = StateCommitting
	participants := c.participants
	c.mu.Unlock()

	for _, p := range participants {
		if err := p.Commit(c.tx); err != nil {
			// A yes-voting participant cannot refuse the commit step;
			// surfacing the error here would leave the stores torn.
			return fmt.Errorf("participant %s broke the commit contract: %w", p.ID(), err)
		}
	}

	c.mu.Lock()
	c.state = StateCommitted
	c.mu.Unlock()
	return nil
}

// Abort broadcasts the abort decision to every participant
func (c *Coordinator) Abort() error {
	c.mu.Lock()
	if c.state == StateCommitted {
		c.mu.Unlock()
		return ErrAlreadyCommitted
	}
	c.state = StateAborting
	participants := c.participants
	c.mu.Unlock()

	for _, p := range participants {
		p.Abort(c.tx)
	}

	c.mu.Lock()
	c.state = StateAborted
	c.mu.Unlock()
	return nil
}

// State returns the coordinator state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VetoedBy returns the ID of the participant that vetoed prepare,
// if any
func (c *Coordinator) VetoedBy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vetoedBy
}

// ParticipantCount returns the number of registered participants
func (c *Coordinator) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

func (c *Coordinator) noteVeto(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vetoedBy = id
}
