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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/metrics"
)

const (
	persistRetryBase = 10 * time.Millisecond
	persistRetryMax  = 5 * time.Second
)

func (s *Store) afterPut(key *Key, val *Value) {
	if val.kind == KindSentinel || s.engine == nil || !val.shouldPersist() {
		return
	}
	// a value published again starts its persistence over
	if !val.casState(InProgress, NotStarted) {
		val.casState(Persisted, NotStarted)
	}
	s.SchedulePersist(key)
}

// SchedulePersist drives the current value of key to the persistence
// engine in the background. It never blocks the caller. At most one
// drainer runs per key, so the engine sees values in publication order.
func (s *Store) SchedulePersist(key *Key) {
	if s.engine == nil {
		return
	}
	sl := s.slot(key, false)
	if sl == nil || sl.pending.Add(1) != 1 {
		return
	}
	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	run := func() { s.drain(ctx, sl) }
	if !s.pool.TryRun(run) {
		go run()
	}
}

func (s *Store) drain(ctx context.Context, sl *slot) {
	for {
		n := sl.pending.Load()
		s.persistCurrent(ctx, sl)
		if sl.pending.Add(-n) == 0 {
			return
		}
	}
}

func (s *Store) persistCurrent(ctx context.Context, sl *slot) {
	span := trace.SpanFromContextSafe(ctx)
	val := sl.val.Load()
	if val == nil || val == deadValue || val.kind == KindSentinel {
		return
	}
	if !val.casState(NotStarted, InProgress) {
		return
	}

	var (
		op  = "store"
		err error
	)
	if val.kind == KindTombstone {
		op = "delete"
		err = s.engine.Delete(ctx, sl.key.raw)
	} else {
		err = s.engine.Store(ctx, sl.key.raw, encodeRecord(val))
	}
	if err != nil {
		metrics.PersistOps.WithLabelValues(op, "error").Inc()
		val.casState(InProgress, NotStarted)
		delay := retryDelay(int(sl.failures.Add(1)))
		span.Errorf("persist %s of key[%s] failed, retry in %s: %s", op, sl.key.Readable(), delay, err)
		key := sl.key
		time.AfterFunc(delay, func() { s.SchedulePersist(key) })
		return
	}
	sl.failures.Store(0)
	metrics.PersistOps.WithLabelValues(op, "ok").Inc()
	val.casState(InProgress, Persisted)
}

// retryDelay doubles from persistRetryBase up to persistRetryMax.
func retryDelay(failures int) time.Duration {
	d := persistRetryBase
	for i := 1; i < failures && d < persistRetryMax; i++ {
		d *= 2
	}
	if d > persistRetryMax {
		d = persistRetryMax
	}
	return d
}

// encodeRecord lays a value out for the engine: its type byte, then the
// payload.
func encodeRecord(v *Value) []byte {
	b := make([]byte, 1+len(v.data))
	b[0] = byte(v.typ)
	copy(b[1:], v.data)
	return b
}

func decodeRecord(b []byte) (*Value, error) {
	if len(b) == 0 || Type(b[0]) >= typeMax {
		return nil, apierrors.ErrPersistence.Withf("bad record of %d bytes", len(b))
	}
	return NewValue(b[1:]).As(Type(b[0])), nil
}

// Persisted reports whether the current value of key reached the
// engine. Tests and shutdown use it to drain outstanding writes.
func (s *Store) Persisted(key *Key) bool {
	cur := s.RawGet(key)
	if cur == nil {
		return true
	}
	st := cur.State()
	return st == Persisted || st == DoNotPersist || st == CacheOnly
}
