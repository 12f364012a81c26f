package state

import (
	"tendervault/storage"
)

// KV is the key-value surface the state manager reads and writes. Both the
// raw database and the per-operation overlay satisfy it.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// Overlay stages writes on top of a committed database. Reads observe staged
// mutations first. Commit flushes everything in a single atomic batch; an
// abandoned overlay leaves the database untouched. This is the transaction
// boundary that makes every escrow operation all-or-nothing.
type Overlay struct {
	base    storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewOverlay creates an empty overlay over the provided database.
func NewOverlay(base storage.Database) *Overlay {
	return &Overlay{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if value, ok := o.writes[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	if _, ok := o.deletes[string(key)]; ok {
		return nil, nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Put(key []byte, value []byte) error {
	delete(o.deletes, string(key))
	o.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Delete(key []byte) error {
	delete(o.writes, string(key))
	o.deletes[string(key)] = struct{}{}
	return nil
}

// Commit applies all staged mutations to the underlying database atomically.
func (o *Overlay) Commit() error {
	batch := storage.NewBatch()
	for key := range o.deletes {
		batch.Delete([]byte(key))
	}
	for key, value := range o.writes {
		batch.Put([]byte(key), value)
	}
	if batch.Len() == 0 {
		return nil
	}
	return o.base.WriteBatch(batch)
}
