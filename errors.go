package keymeter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrPersistence   = errors.New("keymeter: usage persistence failed")
	ErrStoreCorrupt  = errors.New("keymeter: persisted store is corrupt")
	ErrNilRegistry   = errors.New("keymeter: key registry is required")
	ErrNilUsageStore = errors.New("keymeter: usage store is required")
)

// StoreError wraps a usage store failure with the record it concerned.
type StoreError struct {
	Op       string
	Key      string
	ClientID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("keymeter: store op=%s key=%s client=%s: %v",
		e.Op, MaskKey(e.Key), e.ClientID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is an infrastructure failure that lost
// or could not record usage.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrStoreCorrupt)
}

// MaskKey shortens an API key for logs and error messages.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[:4] + "…"
}
