package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: entity does not exist in store
//   - ErrAlreadyUsed: a unique key (consent request id) is already taken
//   - ErrConflict: stored version no longer matches the expected version
//   - ErrInvalidState: entity in wrong state for requested operation
//   - ErrUnavailable: backing store or broker temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)

// Unavailable marks err as a transient infrastructure failure while keeping the
// original cause in the chain.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return errors.Join(ErrUnavailable, err)
}
