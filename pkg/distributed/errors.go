package distributed

import "errors"

var (
	// ErrNotInit is returned when adding participants after the
	// protocol has started
	ErrNotInit = errors.New("coordinator not in init state")

	// ErrNotPreparing is returned when committing without a completed
	// prepare phase
	ErrNotPreparing = errors.New("coordinator not in preparing state")

	// ErrAlreadyCommitted is returned when aborting a committed
	// transaction
	ErrAlreadyCommitted = errors.New("transaction already committed")

	// ErrParticipantAlreadyAdded is returned on duplicate participant
	// registration
	ErrParticipantAlreadyAdded = errors.New("participant already added")

	// ErrPrepareVetoed is returned when a participant votes no during
	// the prepare phase
	ErrPrepareVetoed = errors.New("prepare vetoed by participant")
)
