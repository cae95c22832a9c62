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
	"math/rand"
	"time"

	"github.com/cubefs/cloudkv/metrics"
)

const (
	backoffBase = time.Millisecond
	backoffMax  = 50 * time.Millisecond
)

// TransformFunc computes a new value from the current one. It may run any
// number of times and must have no side effect. Returning a nil value
// leaves the key unchanged.
type TransformFunc func(old *Value) (*Value, error)

// Atomic applies f to the value of key until the compare and swap wins.
// An error from f aborts the loop without writing.
func (s *Store) Atomic(ctx context.Context, key *Key, f TransformFunc) (*Value, error) {
	bo := Backoff{}
	for {
		old, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		val, err := f(old)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return old, nil
		}
		if s.PutIfMatch(key, val, old) == old {
			return val, nil
		}
		metrics.StoreCASRetries.Inc()
		if err = bo.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Backoff is a bounded exponential backoff with jitter for contention
// retries.
type Backoff struct {
	attempt int
}

func (b *Backoff) Wait(ctx context.Context) error {
	d := backoffBase << uint(b.attempt)
	if d > backoffMax || d <= 0 {
		d = backoffMax
	} else {
		b.attempt++
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
