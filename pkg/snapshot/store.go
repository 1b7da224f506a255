// Package snapshot persists serialized ledger state behind a key-value
// boundary. Backends live in subpackages; Memory is for tests and
// ephemeral runs.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pario-ai/tokenledger/pkg/models"
)

// ErrNotFound is returned by Load when nothing has been saved under the key.
var ErrNotFound = errors.New("snapshot: not found")

// Operation names used in Error.
const (
	OpLoad   = "load"
	OpSave   = "save"
	OpOpen   = "open"
	OpDecode = "decode"
	OpEncode = "encode"
)

// Error wraps a backend failure with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "snapshot " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Store is an opaque key-value persistence boundary.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

// Encode serializes a ledger snapshot.
func Encode(s models.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &Error{Op: OpEncode, Err: err}
	}
	return data, nil
}

// Decode parses a snapshot written by Encode.
func Decode(data []byte) (models.Snapshot, error) {
	var s models.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return models.Snapshot{}, &Error{Op: OpDecode, Err: err}
	}
	if s.Format != models.SnapshotFormat {
		return models.Snapshot{}, &Error{Op: OpDecode, Err: fmt.Errorf("unsupported format %d", s.Format)}
	}
	return s, nil
}
