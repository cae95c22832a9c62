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
	"bytes"
	"sync/atomic"
)

type Kind uint8

const (
	KindNormal Kind = iota
	KindSentinel
	KindTombstone
	// marks a slot removed by compaction, never handed out
	kindDead
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindSentinel:
		return "sentinel"
	case KindTombstone:
		return "tombstone"
	default:
		return "dead"
	}
}

// Type tells how the runtime reads a normal value. Users only ever store
// TypeBytes.
type Type uint8

const (
	TypeBytes Type = iota
	TypeArray
	typeMax
)

type PersistState int32

const (
	NotStarted PersistState = iota
	InProgress
	Persisted
	DoNotPersist
	CacheOnly
)

func (s PersistState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Persisted:
		return "persisted"
	case DoNotPersist:
		return "do_not_persist"
	case CacheOnly:
		return "cache_only"
	default:
		return "unknown"
	}
}

// Value is a tagged variant of Normal(bytes), Sentinel and Tombstone.
// The payload is immutable once published; only the persistence state and
// the version (before publication) change.
type Value struct {
	kind Kind
	typ  Type
	data []byte
	// stored size of a sentinel
	size int
	// version was set by the writer and must not be restamped
	pinned bool

	version atomic.Uint64
	state   atomic.Int32
}

var deadValue = &Value{kind: kindDead}

func NewValue(data []byte) *Value {
	return &Value{kind: KindNormal, data: data}
}

// NewTransientValue is never handed to the persistence engine.
func NewTransientValue(data []byte) *Value {
	v := &Value{kind: KindNormal, data: data}
	v.state.Store(int32(DoNotPersist))
	return v
}

// NewCacheValue is a local copy of a value homed elsewhere.
func NewCacheValue(data []byte, version uint64) *Value {
	v := &Value{kind: KindNormal, data: data}
	v.state.Store(int32(CacheOnly))
	return v.WithVersion(version)
}

// NewSentinel stands for a value present in the persistence engine but
// not loaded yet.
func NewSentinel(size int) *Value {
	v := &Value{kind: KindSentinel, size: size}
	v.state.Store(int32(Persisted))
	return v
}

func NewTombstone() *Value {
	return &Value{kind: KindTombstone}
}

func (v *Value) Kind() Kind {
	return v.kind
}

// As tags the value with t before it is published.
func (v *Value) As(t Type) *Value {
	v.typ = t
	return v
}

func (v *Value) Type() Type {
	if v == nil {
		return TypeBytes
	}
	return v.typ
}

func (v *Value) IsTombstone() bool {
	return v != nil && v.kind == KindTombstone
}

func (v *Value) Bytes() []byte {
	return v.data
}

func (v *Value) Size() int {
	if v.kind == KindSentinel {
		return v.size
	}
	return len(v.data)
}

func (v *Value) Version() uint64 {
	if v == nil {
		return 0
	}
	return v.version.Load()
}

// WithVersion stamps the version before the value is published.
func (v *Value) WithVersion(version uint64) *Value {
	v.pinned = true
	v.version.Store(version)
	return v
}

func (v *Value) State() PersistState {
	return PersistState(v.state.Load())
}

func (v *Value) casState(old, new PersistState) bool {
	return v.state.CompareAndSwap(int32(old), int32(new))
}

// Equal is value equality: same variant and same payload. Sentinels are
// never equal to anything but themselves.
func (v *Value) Equal(o *Value) bool {
	if v == o {
		return true
	}
	if v == nil || o == nil || v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNormal:
		return v.typ == o.typ && bytes.Equal(v.data, o.data)
	case KindTombstone:
		return true
	default:
		return false
	}
}

func (v *Value) shouldPersist() bool {
	s := v.State()
	return s != DoNotPersist && s != CacheOnly
}
