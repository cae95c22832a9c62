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
	"encoding/hex"
	"fmt"
	"sync/atomic"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

type KeyType uint8

const (
	KeyTypeUser KeyType = iota
	KeyTypeBuiltIn
	KeyTypeArraylet
	KeyTypeJob
	keyTypeMax
)

const (
	DefaultReplicas = 2
	BuiltInReplicas = 3

	headerLen = 3
	homeFlag  = 1
)

var keyTypeNames = [...]string{"user", "builtin", "arraylet", "job"}

func (t KeyType) String() string {
	if t < keyTypeMax {
		return keyTypeNames[t]
	}
	return "unknown"
}

// Key is an immutable byte identifier laid out as
// [type][desired replicas][flags][16 byte home node if flagged][payload].
//
// Only the replica bitmask is mutable. The store keeps a single canonical
// *Key per content so the bits are never split between two instances.
type Key struct {
	raw  []byte
	str  string
	hash uint32

	replicas atomic.Uint64
}

func newKey(raw []byte) *Key {
	return &Key{
		raw:  raw,
		str:  string(raw),
		hash: murmur3.Sum32(raw),
	}
}

// NewRawKey composes a key from its parts. home may be uuid.Nil for an
// unpinned key. A key always has at least its home replica.
func NewRawKey(typ KeyType, replicas uint8, home uuid.UUID, payload []byte) *Key {
	if replicas == 0 {
		replicas = 1
	}
	size := headerLen + len(payload)
	if home != uuid.Nil {
		size += len(home)
	}
	raw := make([]byte, 0, size)
	raw = append(raw, byte(typ), replicas, 0)
	if home != uuid.Nil {
		raw[2] = homeFlag
		raw = append(raw, home[:]...)
	}
	raw = append(raw, payload...)
	return newKey(raw)
}

func NewKey(name string) *Key {
	return NewRawKey(KeyTypeUser, DefaultReplicas, uuid.Nil, []byte(name))
}

func NewKeyWithReplicas(name string, replicas uint8) *Key {
	return NewRawKey(KeyTypeUser, replicas, uuid.Nil, []byte(name))
}

func BuiltInKey(name string) *Key {
	return NewRawKey(KeyTypeBuiltIn, BuiltInReplicas, uuid.Nil, []byte(name))
}

// HomedKey pins replica 0 of the key on the given node.
func HomedKey(typ KeyType, home uuid.UUID, name string) *Key {
	return NewRawKey(typ, DefaultReplicas, home, []byte(name))
}

// KeyFromBytes validates and wraps a key read from the wire or from disk.
func KeyFromBytes(b []byte) (*Key, error) {
	if len(b) < headerLen || KeyType(b[0]) >= keyTypeMax || b[2]&^homeFlag != 0 {
		return nil, apierrors.ErrInvalidKey
	}
	if b[2]&homeFlag != 0 && len(b) < headerLen+16 {
		return nil, apierrors.ErrInvalidKey
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return newKey(raw), nil
}

func (k *Key) Bytes() []byte {
	return k.raw
}

// String returns the content identity of the key.
func (k *Key) String() string {
	return k.str
}

func (k *Key) Hash() uint32 {
	return k.hash
}

func (k *Key) Type() KeyType {
	return KeyType(k.raw[0])
}

func (k *Key) DesiredReplicas() int {
	if k.raw[1] == 0 {
		return 1
	}
	return int(k.raw[1])
}

func (k *Key) Home() (uuid.UUID, bool) {
	if k.raw[2]&homeFlag == 0 {
		return uuid.Nil, false
	}
	var id uuid.UUID
	copy(id[:], k.raw[headerLen:headerLen+16])
	return id, true
}

func (k *Key) Payload() []byte {
	if k.raw[2]&homeFlag != 0 {
		return k.raw[headerLen+16:]
	}
	return k.raw[headerLen:]
}

func (k *Key) Equal(o *Key) bool {
	return k == o || (o != nil && k.str == o.str)
}

// SetReplica records that cloud member idx holds a copy.
func (k *Key) SetReplica(idx int) {
	if idx < 0 || idx >= 64 {
		return
	}
	bit := uint64(1) << uint(idx)
	for {
		old := k.replicas.Load()
		if old&bit != 0 || k.replicas.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (k *Key) ClearReplica(idx int) {
	if idx < 0 || idx >= 64 {
		return
	}
	bit := uint64(1) << uint(idx)
	for {
		old := k.replicas.Load()
		if old&bit == 0 || k.replicas.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (k *Key) HasReplica(idx int) bool {
	if idx < 0 || idx >= 64 {
		return false
	}
	return k.replicas.Load()&(uint64(1)<<uint(idx)) != 0
}

// TakeReplicas returns the recorded member indices and clears them.
func (k *Key) TakeReplicas() []int {
	bits := k.replicas.Swap(0)
	var out []int
	for i := 0; bits != 0; i++ {
		if bits&1 != 0 {
			out = append(out, i)
		}
		bits >>= 1
	}
	return out
}

func (k *Key) ResetReplicas() {
	k.replicas.Store(0)
}

func (k *Key) GoString() string {
	return fmt.Sprintf("Key{%s %s}", k.Type(), k.Readable())
}

// Readable renders the payload for logs.
func (k *Key) Readable() string {
	p := k.Payload()
	for _, c := range p {
		if c < 0x20 || c > 0x7e {
			return hex.EncodeToString(p)
		}
	}
	return string(p)
}
