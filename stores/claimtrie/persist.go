package claimtrie

import (
	"context"
)

// Persister makes the trie durable. Node and undo payloads are opaque blobs
// serialized by the Trie; names are raw bytes encoded as map keys.
type Persister interface {
	// Load returns the persisted nodes, the undo arena keyed by height, and
	// the last committed height (ok false when nothing was committed).
	Load(ctx context.Context) (nodes map[string][]byte, undo map[uint32][]byte, height uint32, ok bool, err error)

	// SaveBlock commits one block: upserts the given node blobs (a nil blob
	// deletes the node), stores the undo blob for the height, and advances
	// the committed height. All or nothing.
	SaveBlock(ctx context.Context, height uint32, nodes map[string][]byte, undo []byte) error

	// RollbackTo drops undo rows above the height, rewrites the given node
	// blobs and resets the committed height. All or nothing.
	RollbackTo(ctx context.Context, height uint32, nodes map[string][]byte) error

	Close() error
}

// NullPersister keeps nothing. Used by the memory store scheme and in tests
// that exercise the in-memory state machine alone.
type NullPersister struct{}

func (NullPersister) Load(_ context.Context) (map[string][]byte, map[uint32][]byte, uint32, bool, error) {
	return nil, nil, 0, false, nil
}

func (NullPersister) SaveBlock(_ context.Context, _ uint32, _ map[string][]byte, _ []byte) error {
	return nil
}

func (NullPersister) RollbackTo(_ context.Context, _ uint32, _ map[string][]byte) error {
	return nil
}

func (NullPersister) Close() error { return nil }
