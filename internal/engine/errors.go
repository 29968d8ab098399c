package engine

import "errors"

var (
	// ErrDraftAlreadyExists means a phase already has an open draft version.
	ErrDraftAlreadyExists = errors.New("draft already exists for phase")
	// ErrEmptyVersion means a draft was submitted with no items.
	ErrEmptyVersion = errors.New("version has no items")
	// ErrInvalidState means the operation is not legal for the version's
	// current status.
	ErrInvalidState = errors.New("operation not valid for version state")
	// ErrVersionNotMutable means the version's item set or decisions can
	// no longer be changed.
	ErrVersionNotMutable = errors.New("version is not mutable")
	// ErrLineageViolation means a parent version reference crosses phases
	// or sequence order.
	ErrLineageViolation = errors.New("version lineage violation")
	// ErrNotDecidable means items still carry pending decisions; callers
	// should wait, this is not a failure.
	ErrNotDecidable = errors.New("version not yet decidable")
)
