// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv implements the ordered key-value streaming layer the rest
// of roomstate is built on: a single badger.DB, partitioned into
// column families by key prefix the way dittofs's metadata store
// partitions a single badger instance into entity namespaces. Every
// other package (shortid, statestore, eventstore, roominfo, lazyload)
// opens a Map against this DB rather than touching badger directly.
package kv

import (
	"bytes"
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/matrixkeep/roomstate/rerrors"
)

// DB wraps a badger.DB and hands out prefix-namespaced Maps, the
// column-family analogue this layer is built around.
type DB struct {
	bdb *badger.DB
}

// Open opens (creating if necessary) a badger database at dir.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	return &DB{bdb: bdb}, nil
}

// Close closes the underlying badger database.
func (d *DB) Close() error {
	return d.bdb.Close()
}

// Map returns a column-family handle scoped to the given name. Keys
// written through the returned Map are transparently prefixed with
// "<name>:" and keys read back have the prefix stripped, so callers
// never see the namespacing.
func (d *DB) Map(name string) *Map {
	return &Map{bdb: d.bdb, prefix: []byte(name + ":")}
}

// Map is a single column family, implemented as a key-prefix
// namespace within the shared badger.DB.
type Map struct {
	bdb    *badger.DB
	prefix []byte
}

func (m *Map) key(k []byte) []byte {
	out := make([]byte, 0, len(m.prefix)+len(k))
	out = append(out, m.prefix...)
	out = append(out, k...)
	return out
}

// Get fetches a single value. Returns badger.ErrKeyNotFound itself
// when k is absent, so callers can use errors.Is against it directly,
// or a generic storage error for any other failure.
func (m *Map) Get(k []byte) ([]byte, error) {
	var val []byte
	err := m.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(m.key(k))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, badger.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	return val, nil
}

// Set writes a single key/value pair.
func (m *Map) Set(k, v []byte) error {
	err := m.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set(m.key(k), v)
	})
	if err != nil {
		return errors.Join(rerrors.ErrStorage, err)
	}
	return nil
}

// SetIfAbsent writes k=v only if k does not already exist, returning
// (true, nil) if the write happened and (false, nil) if k was already
// present. The interner does not use it: its allocation protocol
// relies on its per-namespace mutex and plain Set calls.
func (m *Map) SetIfAbsent(k, v []byte) (bool, error) {
	written := false
	err := m.bdb.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(m.key(k))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.Set(m.key(k), v)
	})
	if err != nil {
		return false, errors.Join(rerrors.ErrStorage, err)
	}
	return written, nil
}

// Delete removes a single key. Deleting an absent key is not an error.
func (m *Map) Delete(k []byte) error {
	err := m.bdb.Update(func(txn *badger.Txn) error {
		return txn.Delete(m.key(k))
	})
	if err != nil {
		return errors.Join(rerrors.ErrStorage, err)
	}
	return nil
}

// ReadOptions mirrors the knobs conduwuit's stream/rev_stream take:
// whether reads should warm the block cache, how much readahead to
// request, and whether the cursor is a long-lived tailing cursor that
// should not pin old SSTable versions.
type ReadOptions struct {
	FillCache     bool
	ReadaheadSize int
	Tailing       bool
}

// DefaultReadOptions matches conduwuit's cache_read_options_default():
// cache-filling, no readahead, non-tailing. Suitable for the common
// case of probing a handful of keys rather than scanning a column
// family end to end.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{FillCache: true, ReadaheadSize: 0, Tailing: false}
}

func (o ReadOptions) toBadger() badger.IteratorOptions {
	bo := badger.DefaultIteratorOptions
	bo.PrefetchValues = o.FillCache
	if o.ReadaheadSize > 0 {
		bo.PrefetchSize = o.ReadaheadSize
	}
	return bo
}

// cursorState is the state machine a Cursor moves through: it starts
// Uninitialized, becomes Seeking the first time it's asked to
// position itself, settles into AtEntry once positioned on a live
// key, and flips between AtEntry and Advancing as Next is called,
// eventually reaching Exhausted once the column family (or the
// requested prefix) runs out of keys.
type cursorState int

const (
	stateUninitialized cursorState = iota
	stateSeeking
	stateAtEntry
	stateAdvancing
	stateExhausted
)

// Cursor is a lazy forward or reverse iterator over a Map, optionally
// scoped to a key prefix. It is not safe for concurrent use by
// multiple goroutines.
type Cursor struct {
	m       *Map
	it      *badger.Iterator
	txn     *badger.Txn
	reverse bool
	prefix  []byte
	state   cursorState
}

// Stream opens a forward cursor over m, optionally scoped to keys
// with the given prefix (pass nil for no restriction). The cursor
// owns a read transaction; callers must call Close when done.
func (m *Map) Stream(ctx context.Context, opts ReadOptions, prefix []byte) *Cursor {
	txn := m.bdb.NewTransaction(false)
	bo := opts.toBadger()
	bo.Prefix = m.key(prefix)
	it := txn.NewIterator(bo)
	return &Cursor{m: m, it: it, txn: txn, reverse: false, prefix: m.key(prefix), state: stateUninitialized}
}

// RevStream opens a reverse cursor over m, the mirror of Stream.
func (m *Map) RevStream(ctx context.Context, opts ReadOptions, prefix []byte) *Cursor {
	txn := m.bdb.NewTransaction(false)
	bo := opts.toBadger()
	bo.Prefix = m.key(prefix)
	bo.Reverse = true
	it := txn.NewIterator(bo)
	return &Cursor{m: m, it: it, txn: txn, reverse: true, prefix: m.key(prefix), state: stateUninitialized}
}

// Init positions the cursor at the first entry (forward) or last
// entry (reverse) within its prefix, or at the first entry at or
// after/before seekKey when seekKey is non-nil. Mirrors conduwuit's
// Items::new(...).init(seek_key).
func (c *Cursor) Init(seekKey []byte) {
	c.state = stateSeeking
	if seekKey == nil {
		if c.reverse {
			// badger reverse iteration seeks from the prefix's upper bound
			// down; seeking to prefix+0xff walks onto the last matching key.
			upper := append(append([]byte{}, c.prefix...), 0xff)
			c.it.Seek(upper)
		} else {
			c.it.Seek(c.prefix)
		}
	} else {
		full := append(append([]byte{}, c.m.prefix...), seekKey...)
		c.it.Seek(full)
	}
	c.settle()
}

func (c *Cursor) settle() {
	if c.it.ValidForPrefix(c.prefix) {
		c.state = stateAtEntry
	} else {
		c.state = stateExhausted
	}
}

// Valid reports whether the cursor currently sits on an entry.
func (c *Cursor) Valid() bool {
	return c.state == stateAtEntry
}

// Next advances the cursor. Calling Next while Exhausted is a no-op.
func (c *Cursor) Next() {
	if c.state == stateExhausted {
		return
	}
	c.state = stateAdvancing
	c.it.Next()
	c.settle()
}

// Key returns the current key with the column family prefix
// stripped. Only valid while Valid() is true.
func (c *Cursor) Key() []byte {
	full := c.it.Item().KeyCopy(nil)
	return bytes.TrimPrefix(full, c.m.prefix)
}

// Value returns the current value. Only valid while Valid() is true.
func (c *Cursor) Value() ([]byte, error) {
	var v []byte
	err := c.it.Item().Value(func(val []byte) error {
		v = append([]byte{}, val...)
		return nil
	})
	if err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	return v, nil
}

// IsIncomplete reports whether this cursor's current position was
// served from disk rather than the block cache, i.e. whether reading
// it was (or would be) expensive. This mirrors conduwuit's
// is_incomplete() cache-probe predicate, used by callers deciding
// whether to fall back to a cheaper existence check instead of a full
// read. Badger does not expose a per-item cache-hit flag, so this
// approximates it from the FillCache field of opts: it returns true
// exactly when opts.FillCache is false. The options the cursor was
// opened with are not consulted.
func (c *Cursor) IsIncomplete(opts ReadOptions) bool {
	return !opts.FillCache
}

// Close releases the cursor's iterator and backing transaction. Safe
// to call multiple times.
func (c *Cursor) Close() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	if c.txn != nil {
		c.txn.Discard()
		c.txn = nil
	}
	c.state = stateExhausted
}
