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

package job

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/store"
)

const (
	// KeepLast bounds the registry; only completed jobs are evicted.
	KeepLast = 100
	// CancelledEnd is the end time of a cancelled job.
	CancelledEnd int64 = -1

	defaultPollInterval = 100 * time.Millisecond
)

var registryKey = store.BuiltInKey("jobs")

// Job is one entry of the registry. EndTime is zero while running.
type Job struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Key         []byte `json:"key"`
	StartTime   int64  `json:"start_time"`
	EndTime     int64  `json:"end_time"`
	Err         string `json:"err,omitempty"`
}

func (j *Job) Running() bool {
	return j.EndTime == 0
}

func (j *Job) Cancelled() bool {
	return j.EndTime == CancelledEnd
}

// List is an immutable snapshot of the registry.
type List struct {
	Jobs []Job `json:"jobs"`
}

func (l *List) find(id string) int {
	for i := range l.Jobs {
		if l.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// appendJob returns a new snapshot holding j. Past keep entries the oldest
// completed jobs are dropped; running jobs always stay.
func appendJob(old *List, j Job, keep int) *List {
	jobs := make([]Job, 0, len(old.Jobs)+1)
	jobs = append(jobs, old.Jobs...)
	jobs = append(jobs, j)

	if over := len(jobs) - keep; over > 0 {
		var done []int
		for i := range jobs {
			if !jobs[i].Running() {
				done = append(done, i)
			}
		}
		sort.SliceStable(done, func(a, b int) bool {
			return jobs[done[a]].StartTime < jobs[done[b]].StartTime
		})
		if over > len(done) {
			over = len(done)
		}
		evict := make(map[int]bool, over)
		for _, i := range done[:over] {
			evict[i] = true
		}
		kept := jobs[:0:0]
		for i := range jobs {
			if !evict[i] {
				kept = append(kept, jobs[i])
			}
		}
		jobs = kept
	}
	return &List{Jobs: jobs}
}

// finishJob returns a new snapshot with job id ended at end, nil when the
// job is unknown or already ended.
func finishJob(old *List, id string, end int64, errMsg string) *List {
	i := old.find(id)
	if i < 0 || !old.Jobs[i].Running() {
		return nil
	}
	jobs := make([]Job, len(old.Jobs))
	copy(jobs, old.Jobs)
	jobs[i].EndTime = end
	jobs[i].Err = errMsg
	return &List{Jobs: jobs}
}

// KV is the distributed key value space holding the registry.
type KV interface {
	Get(ctx context.Context, key *store.Key) (*store.Value, error)
	Put(ctx context.Context, key *store.Key, val *store.Value) error
	Remove(ctx context.Context, key *store.Key) error
	Atomic(ctx context.Context, key *store.Key, f store.TransformFunc) (*store.Value, error)
}

// Registry tracks running and completed computations of the cloud.
type Registry struct {
	kv   KV
	home uuid.UUID
	keep int
}

// NewRegistry returns a registry whose job keys are homed on node, when
// node is a uuid.
func NewRegistry(kv KV, node string) *Registry {
	home, _ := uuid.Parse(node)
	return &Registry{kv: kv, home: home, keep: KeepLast}
}

func decode(v *store.Value) (*List, error) {
	l := &List{}
	if v == nil || v.IsTombstone() || v.Size() == 0 {
		return l, nil
	}
	if err := json.Unmarshal(v.Bytes(), l); err != nil {
		return nil, apierrors.ErrMalformedInput.Withf("job list: %s", err)
	}
	return l, nil
}

func encode(l *List) (*store.Value, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return store.NewValue(data), nil
}

func (r *Registry) update(ctx context.Context, fn func(l *List) *List) (*List, error) {
	var next *List
	_, err := r.kv.Atomic(ctx, registryKey, func(old *store.Value) (*store.Value, error) {
		l, err := decode(old)
		if err != nil {
			return nil, err
		}
		if next = fn(l); next == nil {
			return nil, nil
		}
		return encode(next)
	})
	return next, err
}

// Start records a new running job and publishes its self key.
func (r *Registry) Start(ctx context.Context, description string) (*Job, error) {
	span := trace.SpanFromContextSafe(ctx)
	id := uuid.New().String()
	key := store.HomedKey(store.KeyTypeJob, r.home, id)
	j := Job{
		ID:          id,
		Description: description,
		Key:         key.Bytes(),
		StartTime:   time.Now().UnixNano(),
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	if err = r.kv.Put(ctx, key, store.NewValue(data)); err != nil {
		return nil, err
	}
	if _, err = r.update(ctx, func(l *List) *List { return appendJob(l, j, r.keep) }); err != nil {
		return nil, err
	}
	span.Infof("job %s started: %s", id, description)
	return &j, nil
}

// Finish ends job id, recording jobErr when it failed.
func (r *Registry) Finish(ctx context.Context, id string, jobErr error) error {
	var msg string
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return r.end(ctx, id, time.Now().UnixNano(), msg)
}

// Cancel marks job id cancelled. Workers poll Cancelled and stop.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	return r.end(ctx, id, CancelledEnd, apierrors.ErrTaskCancelled.Error())
}

func (r *Registry) end(ctx context.Context, id string, end int64, msg string) error {
	var ended *Job
	if _, err := r.update(ctx, func(l *List) *List {
		next := finishJob(l, id, end, msg)
		if next != nil {
			ended = &next.Jobs[next.find(id)]
		}
		return next
	}); err != nil {
		return err
	}
	if ended == nil {
		return nil
	}
	key, err := store.KeyFromBytes(ended.Key)
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("job %s ended at %d", id, end)
	return r.kv.Remove(ctx, key)
}

func (r *Registry) List(ctx context.Context) ([]Job, error) {
	v, err := r.kv.Get(ctx, registryKey)
	if err != nil {
		return nil, err
	}
	l, err := decode(v)
	if err != nil {
		return nil, err
	}
	return l.Jobs, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	jobs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].ID == id {
			return &jobs[i], nil
		}
	}
	return nil, apierrors.ErrNotFound.Withf("job %s", id)
}

func (r *Registry) Cancelled(ctx context.Context, id string) (bool, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return j.Cancelled(), nil
}

// Wait polls until job id has ended.
func (r *Registry) Wait(ctx context.Context, id string) (*Job, error) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		j, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !j.Running() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
