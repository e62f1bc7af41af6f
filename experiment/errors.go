package experiment

import "errors"

// Error taxonomy for experiment operations. Callers match with errors.Is;
// everything returned from this package wraps one of these sentinels.
var (
	// ErrInvalidDefinition indicates bad experiment creation parameters
	ErrInvalidDefinition = errors.New("invalid experiment definition")

	// ErrAlreadyExists indicates the experiment id is taken
	ErrAlreadyExists = errors.New("experiment already exists")

	// ErrNotFound indicates the experiment does not exist
	ErrNotFound = errors.New("experiment not found")

	// ErrNotActive indicates an operation on a completed experiment
	ErrNotActive = errors.New("experiment not active")

	// ErrUnknownVariant indicates a variant outside the experiment's variant set
	ErrUnknownVariant = errors.New("unknown variant")

	// ErrInvalidOutcomeKind indicates an outcome kind outside the fixed vocabulary
	ErrInvalidOutcomeKind = errors.New("invalid outcome kind")
)
