// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/metrics"
)

const defaultPersistPoolSize = 8

type (
	// Engine is the persistence collaborator of the store. Keys are raw
	// key bytes.
	Engine interface {
		Load(ctx context.Context, key []byte) ([]byte, error)
		Store(ctx context.Context, key []byte, data []byte) error
		Delete(ctx context.Context, key []byte) error
		Iterate(ctx context.Context, fn func(key, data []byte) error) error
	}
	Config struct {
		PersistPoolSize int `json:"persist_pool_size"`
	}
)

type slot struct {
	key *Key
	val atomic.Pointer[Value]
	// outstanding persistence requests
	pending atomic.Int32
	// failed persistence attempts in a row
	failures atomic.Int32
}

// Store is the node local shard of the key space. Every operation is
// lock free: a sync.Map indexes slots by key content and each slot swaps
// its value pointer by compare and swap.
type Store struct {
	slots  sync.Map
	engine Engine
	pool   taskpool.TaskPool
}

func NewStore(cfg *Config, engine Engine) *Store {
	if cfg.PersistPoolSize <= 0 {
		cfg.PersistPoolSize = defaultPersistPoolSize
	}
	return &Store{
		engine: engine,
		pool:   taskpool.New(cfg.PersistPoolSize, cfg.PersistPoolSize),
	}
}

// Load installs a sentinel for every key found in the persistence
// engine. Values are read lazily on first Get.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, nil
	}
	span := trace.SpanFromContextSafe(ctx)
	n := 0
	err := s.engine.Iterate(ctx, func(raw, data []byte) error {
		key, err := KeyFromBytes(raw)
		if err != nil {
			span.Warnf("skip invalid persisted key %x", raw)
			return nil
		}
		if len(data) == 0 {
			span.Warnf("skip empty persisted record of key[%s]", key.Readable())
			return nil
		}
		if s.PutIfAbsentRaw(key, NewSentinel(len(data)-1)) == nil {
			n++
		}
		return nil
	})
	if err != nil {
		return n, errors.Info(err, "iterate persistence engine failed")
	}
	return n, nil
}

// PutIfMatch replaces the value of key with val iff the current value is
// identical or equal to expected. A nil expected matches an absent key or
// a tombstone. It returns expected on success and the current value on
// failure, so callers test the result for identity with expected.
func (s *Store) PutIfMatch(key *Key, val, expected *Value) *Value {
	for {
		sl := s.slot(key, true)
		cur := sl.val.Load()
		if cur == deadValue {
			s.slots.CompareAndDelete(key.str, sl)
			continue
		}
		if !match(cur, expected) {
			if cur == nil {
				s.reclaim(sl)
			}
			return cur
		}
		if !val.pinned {
			val.version.Store(cur.Version() + 1)
		}
		if sl.val.CompareAndSwap(cur, val) {
			s.afterPut(sl.key, val)
			return expected
		}
		metrics.StoreCASRetries.Inc()
	}
}

// PutIfAbsentRaw installs val for a key holding nothing, without scheduling
// persistence: the value came from the engine. It returns the current value
// when the key is taken, nil on success.
func (s *Store) PutIfAbsentRaw(key *Key, val *Value) *Value {
	for {
		sl := s.slot(key, true)
		cur := sl.val.Load()
		if cur == deadValue {
			s.slots.CompareAndDelete(key.str, sl)
			continue
		}
		if cur != nil {
			return cur
		}
		if val.kind == KindNormal {
			val.state.Store(int32(Persisted))
		}
		if sl.val.CompareAndSwap(nil, val) {
			return nil
		}
	}
}

// Get returns the current value of key, nil if absent. A sentinel is
// materialized through the persistence engine and installed in place.
func (s *Store) Get(ctx context.Context, key *Key) (*Value, error) {
	sl := s.slot(key, false)
	if sl == nil {
		return nil, nil
	}
	cur := sl.val.Load()
	if cur == nil || cur == deadValue {
		return nil, nil
	}
	if cur.kind != KindSentinel {
		return cur, nil
	}
	if s.engine == nil {
		return nil, apierrors.ErrPersistence.Withf("no engine to load %s", key.Readable())
	}

	data, err := s.engine.Load(ctx, key.raw)
	if err != nil {
		metrics.PersistOps.WithLabelValues("load", "error").Inc()
		return nil, apierrors.ErrPersistence.Withf("load %s: %s", key.Readable(), err)
	}
	loaded, err := decodeRecord(data)
	if err != nil {
		metrics.PersistOps.WithLabelValues("load", "error").Inc()
		trace.SpanFromContextSafe(ctx).Errorf("decode persisted key[%s] failed: %s", key.Readable(), err)
		return nil, err
	}
	metrics.PersistOps.WithLabelValues("load", "ok").Inc()
	loaded.WithVersion(cur.Version())
	loaded.state.Store(int32(Persisted))
	if sl.val.CompareAndSwap(cur, loaded) {
		return loaded, nil
	}
	// somebody else replaced the sentinel first
	return s.RawGet(key), nil
}

// RawGet returns the current value without loading sentinels.
func (s *Store) RawGet(key *Key) *Value {
	sl := s.slot(key, false)
	if sl == nil {
		return nil
	}
	cur := sl.val.Load()
	if cur == deadValue {
		return nil
	}
	return cur
}

// GetKey returns the canonical instance for key content, nil if the key
// has never been stored.
func (s *Store) GetKey(key *Key) *Key {
	sl := s.slot(key, false)
	if sl == nil {
		return nil
	}
	return sl.key
}

// Remove retires the key to a tombstone and returns the replaced value.
func (s *Store) Remove(key *Key) *Value {
	tomb := NewTombstone()
	for {
		cur := s.RawGet(key)
		if cur == nil || cur.IsTombstone() {
			return cur
		}
		if s.PutIfMatch(key, tomb, cur) == cur {
			return cur
		}
	}
}

// Invalidate drops the slot of key iff it still holds expected. Used for
// cached copies, which are never persisted.
func (s *Store) Invalidate(key *Key, expected *Value) bool {
	sl := s.slot(key, false)
	if sl == nil || expected == nil {
		return false
	}
	if !sl.val.CompareAndSwap(expected, deadValue) {
		return false
	}
	s.slots.CompareAndDelete(key.str, sl)
	return true
}

// Compact drops tombstones whose deletion reached the persistence engine
// and slots that never received a value.
func (s *Store) Compact() int {
	n := 0
	s.slots.Range(func(k, v interface{}) bool {
		sl := v.(*slot)
		cur := sl.val.Load()
		if cur == nil {
			s.reclaim(sl)
			return true
		}
		if !cur.IsTombstone() {
			return true
		}
		if s.engine != nil && cur.State() != Persisted && cur.State() != DoNotPersist {
			return true
		}
		if sl.val.CompareAndSwap(cur, deadValue) {
			s.slots.CompareAndDelete(k, sl)
			n++
		}
		return true
	})
	return n
}

// Keys returns the canonical keys of live entries.
func (s *Store) Keys() []*Key {
	var keys []*Key
	s.slots.Range(func(_, v interface{}) bool {
		sl := v.(*slot)
		cur := sl.val.Load()
		if cur != nil && cur != deadValue && !cur.IsTombstone() {
			keys = append(keys, sl.key)
		}
		return true
	})
	return keys
}

func (s *Store) Len() int {
	n := len(s.Keys())
	metrics.StoreKeys.Set(float64(n))
	return n
}

// reclaim retires a slot still holding no value. A writer racing on the
// same slot fails its swap and retries on a fresh one.
func (s *Store) reclaim(sl *slot) {
	if sl.val.CompareAndSwap(nil, deadValue) {
		s.slots.CompareAndDelete(sl.key.str, sl)
	}
}

func (s *Store) slot(key *Key, create bool) *slot {
	for {
		v, ok := s.slots.Load(key.str)
		if !ok {
			if !create {
				return nil
			}
			v, _ = s.slots.LoadOrStore(key.str, &slot{key: key})
		}
		sl := v.(*slot)
		if sl.val.Load() != deadValue {
			return sl
		}
		s.slots.CompareAndDelete(key.str, sl)
		if !create {
			return nil
		}
	}
}

func match(cur, expected *Value) bool {
	if cur == expected {
		return true
	}
	if expected == nil {
		return cur.IsTombstone()
	}
	if cur == nil {
		return expected.IsTombstone()
	}
	return cur.Equal(expected)
}
