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

package task

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/cloudkv/arraylet"
	"github.com/cubefs/cloudkv/cloud"
	"github.com/cubefs/cloudkv/dkv"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/metrics"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/transport"
)

const (
	defaultPoolSize       = 16
	defaultRetryTimeoutMs = 10000
	defaultMaxRetries     = 1
)

type Config struct {
	PoolSize int `json:"pool_size"`
	// RetryTimeoutMs bounds one attempt at a leaf branch. Attempts at inner
	// branches get room for every retry of their children below them.
	RetryTimeoutMs int `json:"retry_timeout_ms"`
	MaxRetries     int `json:"max_retries"`
}

// Runner forks tasks over the keys of the cloud and serves the branches
// other nodes send here.
type Runner struct {
	cfg  Config
	view dkv.CloudView
	env  Env
	tr   transport.Transport
	pool taskpool.TaskPool

	// inbound branches by fork id
	running sync.Map
	seq     atomic.Uint64
	// outbound attempts, cancelled early when their target leaves the cloud
	attempts sync.Map
}

type attempt struct {
	node   string
	cancel context.CancelFunc
}

// fork is one distributed invocation as carried by MsgFork.
type fork struct {
	id     string
	name   string
	state  []byte
	groups []proto.ForkGroup
}

// partial is the result of a subtree with the key positions it covers.
type partial struct {
	task Task
	cov  *roaring.Bitmap
}

func NewRunner(cfg Config, view dkv.CloudView, env Env, tr transport.Transport) *Runner {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.RetryTimeoutMs <= 0 {
		cfg.RetryTimeoutMs = defaultRetryTimeoutMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Runner{
		cfg:  cfg,
		view: view,
		env:  env,
		tr:   tr,
		pool: taskpool.New(cfg.PoolSize, cfg.PoolSize),
	}
}

func (r *Runner) Close() {
	r.pool.Close()
}

// Fork runs t over target: every chunk of an array, or target itself for
// a plain value. The returned task holds the reduction of every map.
func (r *Runner) Fork(ctx context.Context, target *store.Key, t Task) (Task, error) {
	keys, err := r.keysOf(ctx, target)
	if err != nil {
		return nil, err
	}
	return r.InvokeOnKeys(ctx, keys, t)
}

// ForkAsync starts Fork in the background.
func (r *Runner) ForkAsync(ctx context.Context, target *store.Key, t Task) *Future {
	return r.async(ctx, func(ctx context.Context) (Task, error) {
		return r.Fork(ctx, target, t)
	})
}

// InvokeOnKeys runs t over an explicit key list. Keys are grouped by their
// home node and the groups form a binary reduction tree.
func (r *Runner) InvokeOnKeys(ctx context.Context, keys []*store.Key, t Task) (Task, error) {
	name, err := nameOf(t)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return t, nil
	}
	state, err := marshalTask(t)
	if err != nil {
		return nil, err
	}

	forkID := forkIDOf(ctx)
	span, ctx := trace.StartSpanFromContextWithTraceID(ctx, "", forkID)
	c := r.view.Current()
	f := &fork{id: forkID, name: name, state: state, groups: plan(c, keys)}
	span.Debugf("fork %s over %d keys in %d groups", name, len(keys), len(f.groups))

	p, err := r.callBranch(ctx, f, 0)
	if err == nil && p.cov.GetCardinality() != uint64(len(keys)) {
		err = apierrors.ErrDataLoss.Withf("fork %s covered %d of %d keys", name, p.cov.GetCardinality(), len(keys))
	}
	if err != nil {
		if ctx.Err() != nil {
			err = apierrors.ErrTaskCancelled
		}
		metrics.TaskForks.WithLabelValues(name, resultLabel(err)).Inc()
		span.Warnf("fork %s failed: %s", name, err)
		return nil, err
	}
	metrics.TaskForks.WithLabelValues(name, "ok").Inc()
	return p.task, nil
}

// forkIDOf reuses the trace id of ctx so a future can cancel the branches
// of its fork by that id.
func forkIDOf(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span != nil {
		return span.TraceID()
	}
	return uuid.New().String()
}

func resultLabel(err error) string {
	switch apierrors.Code(err) {
	case apierrors.CodeTaskCancelled:
		return "cancelled"
	case apierrors.CodeDataLoss:
		return "data_loss"
	default:
		return "failed"
	}
}

func (r *Runner) keysOf(ctx context.Context, target *store.Key) ([]*store.Key, error) {
	v, err := r.env.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apierrors.ErrNotFound.Withf("%s", target.Readable())
	}
	if v.Type() != store.TypeArray {
		return []*store.Key{target}, nil
	}
	h, err := arraylet.HeaderOf(v)
	if err != nil {
		return nil, err
	}
	return arraylet.ChunkKeys(target, h), nil
}

// plan groups keys by home node in member order. Positions are assigned
// after grouping so every group covers one contiguous range.
func plan(c *cloud.Cloud, keys []*store.Key) []proto.ForkGroup {
	byNode := make(map[int][][]byte)
	for _, key := range keys {
		idx := c.D(key, 0)
		byNode[idx] = append(byNode[idx], key.Bytes())
	}
	nodes := make([]int, 0, len(byNode))
	for idx := range byNode {
		nodes = append(nodes, idx)
	}
	sort.Ints(nodes)

	groups := make([]proto.ForkGroup, 0, len(nodes))
	base := uint32(0)
	for _, idx := range nodes {
		groups = append(groups, proto.ForkGroup{Node: c.Member(idx), Keys: byNode[idx], Base: base})
		base += uint32(len(byNode[idx]))
	}
	return groups
}

type placed struct {
	key     []byte
	pos     uint32
	replica uint32
}

// replan keeps the groups of healthy nodes and moves the keys of the
// failed node to their next replica in the current cloud.
func replan(c *cloud.Cloud, groups []proto.ForkGroup, failed string) ([]proto.ForkGroup, error) {
	var (
		kept  []proto.ForkGroup
		moved []placed
	)
	for _, g := range groups {
		if g.Node.ID != failed && c.Contains(g.Node.ID) {
			kept = append(kept, g)
			continue
		}
		for j, kb := range g.Keys {
			moved = append(moved, placed{key: kb, pos: g.Base + uint32(j), replica: g.Replica + 1})
		}
	}

	byNode := make(map[int][]placed)
	for _, p := range moved {
		key, err := store.KeyFromBytes(p.key)
		if err != nil {
			return nil, err
		}
		limit := key.DesiredReplicas()
		if limit > c.Size() {
			limit = c.Size()
		}
		idx := c.D(key, int(p.replica))
		if int(p.replica) >= limit || idx == cloud.InvalidNode {
			return nil, apierrors.ErrDataLoss.Withf("%s has no replica left", key.Readable())
		}
		byNode[idx] = append(byNode[idx], p)
	}
	nodes := make([]int, 0, len(byNode))
	for idx := range byNode {
		nodes = append(nodes, idx)
	}
	sort.Ints(nodes)

	for _, idx := range nodes {
		items := byNode[idx]
		sort.Slice(items, func(i, j int) bool { return items[i].pos < items[j].pos })
		// split into runs of consecutive positions
		var g *proto.ForkGroup
		for _, p := range items {
			if g != nil && p.pos == g.Base+uint32(len(g.Keys)) && p.replica == g.Replica {
				g.Keys = append(g.Keys, p.key)
				continue
			}
			if g != nil {
				kept = append(kept, *g)
			}
			g = &proto.ForkGroup{Node: c.Member(idx), Keys: [][]byte{p.key}, Replica: p.replica, Base: p.pos}
		}
		kept = append(kept, *g)
	}
	return kept, nil
}

// subtree lists the groups of the reduction subtree rooted at idx, root
// first. Children of i are 2i+1 and 2i+2.
func subtree(groups []proto.ForkGroup, idx int) []proto.ForkGroup {
	var out []proto.ForkGroup
	queue := []int{idx}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if i >= len(groups) {
			continue
		}
		out = append(out, groups[i])
		queue = append(queue, 2*i+1, 2*i+2)
	}
	return out
}

// callBranch runs the subtree at idx on its node, retrying the node and
// then moving the subtree's keys to surviving replicas.
func (r *Runner) callBranch(ctx context.Context, f *fork, idx int) (*partial, error) {
	span := trace.SpanFromContextSafe(ctx)
	node := f.groups[idx].Node
	timeout := r.deadline(height(len(f.groups), idx))

	var err error
	for i := 0; i <= r.cfg.MaxRetries; i++ {
		if !r.view.Current().Contains(node.ID) {
			break
		}
		if i > 0 {
			metrics.TaskRetries.WithLabelValues("timeout").Inc()
			span.Infof("retry branch %d of %s on %s: %s", idx, f.name, node.ID, err)
		}
		var p *partial
		p, err = r.attempt(ctx, f, idx, timeout)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, apierrors.ErrTaskCancelled
		}
		if !retryable(err) {
			return nil, err
		}
	}

	c := r.view.Current()
	groups, rerr := replan(c, subtree(f.groups, idx), node.ID)
	if rerr != nil {
		span.Warnf("branch %d of %s lost on %s: %s", idx, f.name, node.ID, err)
		return nil, rerr
	}
	metrics.TaskRetries.WithLabelValues("failover").Inc()
	span.Warnf("fail over branch %d of %s from %s to %d groups", idx, f.name, node.ID, len(groups))
	return r.callBranch(ctx, &fork{id: f.id, name: f.name, state: f.state, groups: groups}, 0)
}

// height is the number of levels below idx in a tree of n groups.
func height(n, idx int) int {
	h := 0
	for i := 2*idx + 1; i < n; i = 2*i + 1 {
		h++
	}
	return h
}

// deadline bounds one attempt at a subtree of height h. A branch must
// outlive every attempt at its children plus one leaf timeout for the
// failover, otherwise a hung child times out its healthy parent too.
func (r *Runner) deadline(h int) time.Duration {
	leaf := time.Duration(r.cfg.RetryTimeoutMs) * time.Millisecond
	d := leaf
	for i := 0; i < h; i++ {
		d = time.Duration(r.cfg.MaxRetries+1)*d + leaf
	}
	return d
}

func (r *Runner) attempt(ctx context.Context, f *fork, idx int, timeout time.Duration) (*partial, error) {
	node := f.groups[idx].Node
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a := &attempt{node: node.ID, cancel: cancel}
	r.attempts.Store(a, struct{}{})
	defer r.attempts.Delete(a)

	c := r.view.Current()
	req := &proto.Envelope{
		Type:    proto.MsgFork,
		From:    r.view.Self(),
		CloudID: c.ID.String(),
		Epoch:   c.Idx,
		ReqID:   f.id,
		Name:    f.name,
		State:   f.state,
		Groups:  f.groups,
		Index:   uint32(idx),
	}
	resp, err := r.tr.Call(ctx, node, req)
	if err != nil {
		return nil, err
	}
	return decodePartial(f.name, resp)
}

func retryable(err error) bool {
	switch apierrors.Code(err) {
	case apierrors.CodeTaskFailed, apierrors.CodeTaskCancelled, apierrors.CodeNoSuchTask,
		apierrors.CodeDataLoss, apierrors.CodeInvalidMessage:
		return false
	}
	return true
}

func decodePartial(name string, resp *proto.Envelope) (*partial, error) {
	t, err := newTask(name, resp.State)
	if err != nil {
		return nil, err
	}
	cov := roaring.New()
	if err = cov.UnmarshalBinary(resp.Coverage); err != nil {
		return nil, apierrors.ErrInvalidMessage.Withf("coverage: %s", err)
	}
	return &partial{task: t, cov: cov}, nil
}

// runBranch maps the keys of group idx here while the children run their
// subtrees, then reduces local, left and right in that order.
func (r *Runner) runBranch(ctx context.Context, f *fork, idx int) (*partial, error) {
	results := make([]*partial, 3)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		results[0], err = r.mapLocal(gctx, f, f.groups[idx])
		return
	})
	for i, child := range []int{2*idx + 1, 2*idx + 2} {
		if child >= len(f.groups) {
			continue
		}
		i, child := i, child
		g.Go(func() (err error) {
			results[i+1], err = r.callBranch(gctx, f, child)
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	acc := results[0]
	for _, p := range results[1:] {
		if p == nil {
			continue
		}
		if err := acc.merge(ctx, p); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// merge folds o into p unless o covers a position p already holds, which
// only happens for the answer of a retried branch.
func (p *partial) merge(ctx context.Context, o *partial) error {
	if p.cov.Intersects(o.cov) {
		metrics.TaskRetries.WithLabelValues("duplicate").Inc()
		trace.SpanFromContextSafe(ctx).Warnf("drop duplicate partial covering %d keys", o.cov.GetCardinality())
		return nil
	}
	if err := p.task.Reduce(o.task); err != nil {
		return apierrors.ErrTaskFailed.Withf("reduce: %s", err)
	}
	p.cov.Or(o.cov)
	return nil
}

// mapLocal maps every key of g on the worker pool, each on its own copy of
// the task, and reduces the copies in key order.
func (r *Runner) mapLocal(ctx context.Context, f *fork, g proto.ForkGroup) (*partial, error) {
	span := trace.SpanFromContextSafe(ctx)
	if len(g.Keys) == 0 {
		t, err := newTask(f.name, f.state)
		if err != nil {
			return nil, err
		}
		return &partial{task: t, cov: roaring.New()}, nil
	}
	tasks := make([]Task, len(g.Keys))
	errs := make([]error, len(g.Keys))
	var wg sync.WaitGroup
	for j := range g.Keys {
		j := j
		wg.Add(1)
		r.pool.Run(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				errs[j] = ctx.Err()
				return
			}
			key, err := store.KeyFromBytes(g.Keys[j])
			if err != nil {
				errs[j] = err
				return
			}
			t, err := newTask(f.name, f.state)
			if err != nil {
				errs[j] = err
				return
			}
			if err = t.Map(ctx, r.env, key); err != nil {
				if ctx.Err() != nil {
					errs[j] = ctx.Err()
					return
				}
				span.Warnf("map %s on %s failed: %s", f.name, key.Readable(), err)
				errs[j] = apierrors.ErrTaskFailed.Withf("map %s: %s", key.Readable(), err)
				return
			}
			tasks[j] = t
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, apierrors.ErrTaskCancelled
			}
			return nil, err
		}
	}

	cov := roaring.New()
	cov.AddRange(uint64(g.Base), uint64(g.Base)+uint64(len(g.Keys)))
	acc := tasks[0]
	for _, t := range tasks[1:] {
		if err := acc.Reduce(t); err != nil {
			return nil, apierrors.ErrTaskFailed.Withf("reduce: %s", err)
		}
	}
	return &partial{task: acc, cov: cov}, nil
}

// OnCloudChange cuts short every outbound attempt whose node left the
// cloud so its branch fails over without waiting for the timeout.
func (r *Runner) OnCloudChange(ctx context.Context, old, nnn *cloud.Cloud) {
	span := trace.SpanFromContextSafe(ctx)
	r.attempts.Range(func(k, _ interface{}) bool {
		a := k.(*attempt)
		if !nnn.Contains(a.node) {
			span.Infof("abort branch on departed node %s", a.node)
			a.cancel()
		}
		return true
	})
}

func (r *Runner) runningKey(forkID string) string {
	return forkID + "/" + strconv.FormatUint(r.seq.Add(1), 10)
}
