package livediff

import (
	"errors"
	"fmt"
)

// Sentinel errors for diff and registry operations.
var (
	ErrMalformedTree        = errors.New("livediff: malformed render tree")
	ErrDuplicateComponentID = errors.New("livediff: duplicate component id")
	ErrUnknownComponentKind = errors.New("livediff: unknown component kind")
	ErrNoSuchComponent      = errors.New("livediff: no such component")
	ErrKindRegistered       = errors.New("livediff: component kind already registered")
)

// DuplicateIDError reports two ComponentRefs carrying the same (kind, id)
// pair within a single render pass. It is fatal to the pass: no diff is
// produced and the previous shape store and registry are left untouched.
type DuplicateIDError struct {
	Kind string
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("livediff: duplicate component id %q for kind %q in one render pass", e.ID, e.Kind)
}

// Is matches DuplicateIDError against ErrDuplicateComponentID.
func (e *DuplicateIDError) Is(target error) bool {
	return target == ErrDuplicateComponentID
}

// IsDuplicateID checks if err reports a duplicate component identifier.
func IsDuplicateID(err error) bool {
	return errors.Is(err, ErrDuplicateComponentID)
}
