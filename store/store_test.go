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
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/cloudkv/errors"
)

type memEngine struct {
	sync.Mutex
	data    map[string][]byte
	loadErr error
	// number of upcoming Store calls to fail
	failStores int
	stores     int
}

func newMemEngine() *memEngine {
	return &memEngine{data: make(map[string][]byte)}
}

func (m *memEngine) Load(ctx context.Context, key []byte) ([]byte, error) {
	m.Lock()
	defer m.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return v, nil
}

func (m *memEngine) Store(ctx context.Context, key []byte, data []byte) error {
	m.Lock()
	defer m.Unlock()
	m.stores++
	if m.failStores > 0 {
		m.failStores--
		return errors.New("disk full")
	}
	m.data[string(key)] = data
	return nil
}

func (m *memEngine) Delete(ctx context.Context, key []byte) error {
	m.Lock()
	delete(m.data, string(key))
	m.Unlock()
	return nil
}

func (m *memEngine) Iterate(ctx context.Context, fn func(key, data []byte) error) error {
	m.Lock()
	defer m.Unlock()
	for k, v := range m.data {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memEngine) get(key *Key) ([]byte, bool) {
	m.Lock()
	defer m.Unlock()
	v, ok := m.data[key.String()]
	return v, ok
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestKey_Layout(t *testing.T) {
	home := uuid.New()
	k := HomedKey(KeyTypeJob, home, "job-1")
	require.Equal(t, KeyTypeJob, k.Type())
	require.Equal(t, DefaultReplicas, k.DesiredReplicas())
	h, ok := k.Home()
	require.True(t, ok)
	require.Equal(t, home, h)
	require.Equal(t, []byte("job-1"), k.Payload())

	parsed, err := KeyFromBytes(k.Bytes())
	require.NoError(t, err)
	require.True(t, parsed.Equal(k))
	require.Equal(t, k.Hash(), parsed.Hash())

	_, err = KeyFromBytes([]byte{byte(keyTypeMax), 1, 0})
	require.ErrorIs(t, err, apierrors.ErrInvalidKey)
	_, err = KeyFromBytes([]byte{0, 1, homeFlag, 1})
	require.ErrorIs(t, err, apierrors.ErrInvalidKey)

	// every key keeps at least its home replica
	require.Equal(t, 1, NewKeyWithReplicas("zero", 0).DesiredReplicas())
	require.Equal(t, 1, NewRawKey(KeyTypeUser, 0, uuid.Nil, []byte("zero")).DesiredReplicas())
	wire, err := KeyFromBytes([]byte{byte(KeyTypeUser), 0, 0, 'z'})
	require.NoError(t, err)
	require.Equal(t, 1, wire.DesiredReplicas())

	plain := NewKey("a")
	_, ok = plain.Home()
	require.False(t, ok)
	require.Equal(t, "a", plain.Readable())
}

func TestKey_ReplicaBits(t *testing.T) {
	k := NewKey("bits")
	k.SetReplica(0)
	k.SetReplica(5)
	k.SetReplica(5)
	k.SetReplica(64)
	require.True(t, k.HasReplica(5))
	k.ClearReplica(0)
	require.False(t, k.HasReplica(0))
	require.Equal(t, []int{5}, k.TakeReplicas())
	require.False(t, k.HasReplica(5))
}

func TestStore_PutIfMatch(t *testing.T) {
	s := NewStore(&Config{}, nil)
	k := NewKey("k")

	v1 := NewValue([]byte("1"))
	require.Nil(t, s.PutIfMatch(k, v1, nil))
	require.Equal(t, uint64(1), v1.Version())

	// expected absent but present
	v2 := NewValue([]byte("2"))
	require.Equal(t, v1, s.PutIfMatch(k, v2, nil))

	// value equal expected succeeds
	eq := NewValue([]byte("1"))
	require.Equal(t, eq, s.PutIfMatch(k, v2, eq))
	require.Equal(t, v2, s.RawGet(k))
	require.Equal(t, uint64(2), v2.Version())

	// tombstone counts as absent
	require.Equal(t, v2, s.Remove(k))
	require.True(t, s.RawGet(k).IsTombstone())
	v3 := NewValue([]byte("3"))
	require.Nil(t, s.PutIfMatch(k, v3, nil))
	require.Equal(t, v3, s.RawGet(k))
}

func (s *Store) slotCount() int {
	n := 0
	s.slots.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func TestStore_FailedPutIfMatchLeavesNoSlot(t *testing.T) {
	s := NewStore(&Config{}, nil)
	expected := NewValue([]byte("never stored"))
	for i := 0; i < 100; i++ {
		k := NewKey(uuid.NewString())
		require.Nil(t, s.PutIfMatch(k, NewValue([]byte("v")), expected))
		require.Nil(t, s.GetKey(k))
	}
	require.Equal(t, 0, s.slotCount())
	require.Equal(t, 0, s.Len())

	// the key is still writable afterwards
	k := NewKey("later")
	require.Nil(t, s.PutIfMatch(k, NewValue([]byte("v")), expected))
	v := NewValue([]byte("v"))
	require.Nil(t, s.PutIfMatch(k, v, nil))
	require.Same(t, v, s.RawGet(k))
	require.Equal(t, 1, s.slotCount())

	// a slot left empty is reclaimed by Compact
	empty := NewKey("empty")
	s.slot(empty, true)
	require.Equal(t, 2, s.slotCount())
	require.Equal(t, 0, s.Compact())
	require.Equal(t, 1, s.slotCount())
	require.Nil(t, s.GetKey(empty))
}

func TestStore_ConcurrentAtomic(t *testing.T) {
	ctx := context.TODO()
	s := NewStore(&Config{}, nil)
	k := NewKey("counter")
	workers, rounds := 16, 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				_, err := s.Atomic(ctx, k, func(old *Value) (*Value, error) {
					var n uint64
					if old != nil {
						n = binary.BigEndian.Uint64(old.Bytes())
					}
					return NewValue(encodeUint64(n + 1)), nil
				})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, uint64(workers*rounds), binary.BigEndian.Uint64(v.Bytes()))
	// every successful swap bumped the version exactly once
	require.Equal(t, uint64(workers*rounds), v.Version())
}

func TestStore_AtomicAbort(t *testing.T) {
	ctx := context.TODO()
	s := NewStore(&Config{}, nil)
	k := NewKey("abort")
	v := NewValue([]byte("keep"))
	require.Nil(t, s.PutIfMatch(k, v, nil))

	errBoom := errors.New("boom")
	_, err := s.Atomic(ctx, k, func(old *Value) (*Value, error) {
		return nil, errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, v, s.RawGet(k))

	got, err := s.Atomic(ctx, k, func(old *Value) (*Value, error) { return nil, nil })
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestStore_Interning(t *testing.T) {
	s := NewStore(&Config{}, nil)
	k1 := NewKey("interned")
	k2 := NewKey("interned")
	require.NotSame(t, k1, k2)

	require.Nil(t, s.PutIfMatch(k1, NewValue([]byte("a")), nil))
	old := s.RawGet(k2)
	require.Equal(t, old, s.PutIfMatch(k2, NewValue([]byte("b")), old))

	require.Same(t, k1, s.GetKey(k2))
	require.Same(t, k1, s.GetKey(NewKey("interned")))
	s.GetKey(k2).SetReplica(3)
	require.True(t, k1.HasReplica(3))
	require.Len(t, s.Keys(), 1)
	require.Same(t, k1, s.Keys()[0])
}

func TestStore_SentinelMaterialize(t *testing.T) {
	ctx := context.TODO()
	engine := newMemEngine()
	k := NewKey("lazy")
	arr := NewKey("array")
	corrupt := NewKey("corrupt")
	engine.data[k.String()] = encodeRecord(NewValue([]byte("payload")))
	engine.data[arr.String()] = encodeRecord(NewValue([]byte("header")).As(TypeArray))
	engine.data[corrupt.String()] = []byte{byte(typeMax), 'x'}
	engine.data["bad"] = []byte("x")

	s := NewStore(&Config{}, engine)
	n, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, KindSentinel, s.RawGet(k).Kind())
	require.Equal(t, len("payload"), s.RawGet(k).Size())

	engine.loadErr = errors.New("disk gone")
	_, err = s.Get(ctx, k)
	require.ErrorIs(t, err, apierrors.ErrPersistence)
	require.Equal(t, KindSentinel, s.RawGet(k).Kind())

	engine.loadErr = nil
	v, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), v.Bytes())
	require.Equal(t, Persisted, v.State())
	require.Same(t, v, s.RawGet(k))
	require.Equal(t, TypeBytes, v.Type())

	// the type survives the engine
	v, err = s.Get(ctx, arr)
	require.NoError(t, err)
	require.Equal(t, TypeArray, v.Type())
	require.Equal(t, []byte("header"), v.Bytes())

	_, err = s.Get(ctx, corrupt)
	require.ErrorIs(t, err, apierrors.ErrPersistence)
}

func TestStore_PutIfAbsentRaw(t *testing.T) {
	engine := newMemEngine()
	s := NewStore(&Config{}, engine)
	k := NewKey("raw")

	v := NewValue([]byte("from disk"))
	require.Nil(t, s.PutIfAbsentRaw(k, v))
	require.Equal(t, Persisted, v.State())
	require.Same(t, v, s.PutIfAbsentRaw(k, NewValue([]byte("other"))))

	// nothing was written back to the engine
	time.Sleep(50 * time.Millisecond)
	engine.Lock()
	require.Empty(t, engine.data)
	engine.Unlock()
}

func TestStore_PersistAndCompact(t *testing.T) {
	engine := newMemEngine()
	s := NewStore(&Config{PersistPoolSize: 2}, engine)
	k := NewKey("durable")

	for i := 0; i < 10; i++ {
		old := s.RawGet(k)
		require.Equal(t, old, s.PutIfMatch(k, NewValue(encodeUint64(uint64(i))), old))
	}
	require.Eventually(t, func() bool {
		data, ok := engine.get(k)
		return ok && s.Persisted(k) && data[0] == byte(TypeBytes) && binary.BigEndian.Uint64(data[1:]) == 9
	}, 5*time.Second, 10*time.Millisecond)

	transient := NewKey("transient")
	require.Nil(t, s.PutIfMatch(transient, NewTransientValue([]byte("t")), nil))
	require.Equal(t, DoNotPersist, s.RawGet(transient).State())

	s.Remove(k)
	require.Eventually(t, func() bool {
		_, ok := engine.get(k)
		return !ok && s.Persisted(k)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.Compact())
	require.Nil(t, s.RawGet(k))
	require.Nil(t, s.GetKey(k))
	require.Equal(t, 1, s.Len())
}

func TestStore_PersistRetry(t *testing.T) {
	engine := newMemEngine()
	engine.failStores = 3
	s := NewStore(&Config{}, engine)
	k := NewKey("flaky")

	v := NewValue([]byte("eventually"))
	require.Nil(t, s.PutIfMatch(k, v, nil))
	// nothing writes the key again, the store retries on its own
	require.Eventually(t, func() bool {
		_, ok := engine.get(k)
		return ok && s.Persisted(k)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, Persisted, v.State())
	engine.Lock()
	require.Equal(t, 4, engine.stores)
	engine.Unlock()

	require.Equal(t, persistRetryBase, retryDelay(1))
	require.Equal(t, 4*persistRetryBase, retryDelay(3))
	require.Equal(t, persistRetryMax, retryDelay(100))
}

func TestStore_Invalidate(t *testing.T) {
	s := NewStore(&Config{}, nil)
	k := NewKey("cached")
	v := NewCacheValue([]byte("c"), 7)
	require.Nil(t, s.PutIfMatch(k, v, nil))
	require.Equal(t, uint64(7), s.RawGet(k).Version())
	require.False(t, s.Invalidate(k, NewCacheValue([]byte("c"), 7)))
	require.True(t, s.Invalidate(k, v))
	require.Nil(t, s.RawGet(k))

	// the key can be stored again after invalidation
	require.Nil(t, s.PutIfMatch(k, NewValue([]byte("d")), nil))
}
