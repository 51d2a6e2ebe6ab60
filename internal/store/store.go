// Package store persists room records in a shared namespace keyed by
// room id, with optimistic concurrency on a per-record version.
//
// Two implementations exist: Memory for a single coordinator process
// and tests, and Postgres for deployments where several coordinators
// share the namespace. Both enforce the same version discipline, so
// callers are written once against the interface.
package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/arena-backend/internal/room"
)

var (
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("room store unavailable")

	// ErrNotFound means no record exists under the given room id.
	ErrNotFound = errors.New("room not found")

	// ErrAlreadyExists means Create targeted an id that is taken.
	ErrAlreadyExists = errors.New("room id already exists")

	// ErrVersionConflict means the record changed since the caller
	// read it; the caller should re-read and retry.
	ErrVersionConflict = errors.New("room version conflict")

	// ErrContention means a bounded read-modify-write loop gave up.
	ErrContention = errors.New("room contention retries exhausted")
)

// Store is the shared room namespace.
//
// Put and Delete are conditional on rec.Version (respectively the
// version argument) matching the stored version; a mismatch yields
// ErrVersionConflict and the stored record is untouched. A successful
// Put bumps both the stored version and rec.Version.
type Store interface {
	Create(ctx context.Context, rec *room.Record) error
	Get(ctx context.Context, id string) (*room.Record, error)
	Put(ctx context.Context, rec *room.Record) error
	Delete(ctx context.Context, id string, version int64) error

	// List returns all records ordered by creation time ascending, so
	// matchmaking scans never starve the oldest waiting room.
	List(ctx context.Context) ([]*room.Record, error)
}

// DefaultUpdateRetries bounds read-modify-write loops before they
// fail with ErrContention.
const DefaultUpdateRetries = 5

// Update runs a bounded read-modify-write loop against one record:
// read, apply fn, conditional write, retry on version conflict.
// Errors from fn abort the loop unchanged. The committed record is
// returned on success.
func Update(ctx context.Context, s Store, id string, retries int, fn func(*room.Record) error) (*room.Record, error) {
	for attempt := 0; attempt < retries; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		err = s.Put(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, ErrContention
}
