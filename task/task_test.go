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
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/cloudkv/arraylet"
	"github.com/cubefs/cloudkv/cloud"
	"github.com/cubefs/cloudkv/dkv"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/transport"
)

type sumTask struct {
	Sum  int64 `json:"sum"`
	Rows int64 `json:"rows"`
}

func (t *sumTask) Map(ctx context.Context, env Env, key *store.Key) error {
	v, err := env.Get(ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%s is missing", key.Readable())
	}
	data := v.Bytes()
	for off := 0; off+8 <= len(data); off += 8 {
		t.Sum += int64(binary.BigEndian.Uint64(data[off:]))
		t.Rows++
	}
	return nil
}

func (t *sumTask) Reduce(other Task) error {
	o := other.(*sumTask)
	t.Sum += o.Sum
	t.Rows += o.Rows
	return nil
}

type failTask struct{}

func (t *failTask) Map(ctx context.Context, env Env, key *store.Key) error {
	return fmt.Errorf("boom")
}

func (t *failTask) Reduce(other Task) error { return nil }

var blockStarted = make(chan struct{}, 64)

type blockTask struct{}

func (t *blockTask) Map(ctx context.Context, env Env, key *store.Key) error {
	blockStarted <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (t *blockTask) Reduce(other Task) error { return nil }

type unregistered struct{ sumTask }

func init() {
	Register("sum", func() Task { return &sumTask{} })
	Register("fail", func() Task { return &failTask{} })
	Register("block", func() Task { return &blockTask{} })
}

type staticView struct {
	self proto.NodeInfo
	c    *cloud.Cloud
}

func (v *staticView) Self() proto.NodeInfo  { return v.self }
func (v *staticView) Current() *cloud.Cloud { return v.c }

type node struct {
	info   proto.NodeInfo
	tr     *transport.MemTransport
	kv     *dkv.DKV
	runner *Runner
}

func (n *node) serve(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
	switch req.Type {
	case proto.MsgFork, proto.MsgCancel:
		return n.runner.Handle(ctx, req)
	default:
		return n.kv.Handle(ctx, req)
	}
}

// hang makes n accept fork branches and never answer them. Key value
// traffic is still served.
func (n *node) hang() {
	n.tr.SetHandler(func(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
		if req.Type == proto.MsgFork {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return n.serve(ctx, req)
	})
}

type cluster struct {
	net   *transport.Network
	c     *cloud.Cloud
	nodes []*node
}

func newCluster(t *testing.T, n int, cfg Config) *cluster {
	nw := transport.NewNetwork()
	infos := make([]proto.NodeInfo, n)
	for i := range infos {
		infos[i] = proto.NodeInfo{ID: uuid.New().String()}
	}
	c := cloud.New(uuid.New(), 1, infos)
	cl := &cluster{net: nw, c: c}
	for _, info := range c.Members {
		tr := nw.Join(info)
		view := &staticView{self: info, c: c}
		d, err := dkv.New(dkv.Config{}, view, store.NewStore(&store.Config{}, nil), tr)
		require.NoError(t, err)
		r := NewRunner(cfg, view, d, tr)
		t.Cleanup(r.Close)
		n := &node{info: info, tr: tr, kv: d, runner: r}
		tr.SetHandler(n.serve)
		cl.nodes = append(cl.nodes, n)
	}
	return cl
}

// putArray stores rows 1..rows as big endian int64, rowsPerChunk rows per
// chunk.
func (cl *cluster) putArray(t *testing.T, name string, rows, rowsPerChunk int) *store.Key {
	ctx := context.Background()
	base := store.NewKey(name)
	h := &arraylet.Header{RowCount: int64(rows), RowWidth: 8, ChunkBytes: int64(8 * rowsPerChunk)}
	kv := cl.nodes[0].kv
	for idx := int64(0); idx < h.Chunks(); idx++ {
		data := make([]byte, h.ChunkLen(idx))
		first := h.ChunkOffset(idx) / 8
		for i := 0; i < len(data)/8; i++ {
			binary.BigEndian.PutUint64(data[i*8:], uint64(first+int64(i)+1))
		}
		require.NoError(t, kv.Put(ctx, arraylet.ChunkKey(base, idx), store.NewValue(data)))
	}
	require.NoError(t, kv.Put(ctx, base, h.Value()))
	return base
}

func TestRunner_SumOverChunks(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t, 3, Config{})
	base := cl.putArray(t, "nine", 9, 3)

	for _, n := range cl.nodes {
		res, err := n.runner.Fork(ctx, base, &sumTask{})
		require.NoError(t, err)
		require.Equal(t, int64(45), res.(*sumTask).Sum)
		require.Equal(t, int64(9), res.(*sumTask).Rows)
	}

	// a plain value is mapped as a single key
	plain := store.NewKey("plain")
	require.NoError(t, cl.nodes[1].kv.Put(ctx, plain, store.NewValue(make([]byte, 16))))
	res, err := cl.nodes[2].runner.Fork(ctx, plain, &sumTask{})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.(*sumTask).Rows)

	// header bytes written as a plain value are not expanded into chunks
	lookalike := store.NewKey("lookalike")
	hdr := &arraylet.Header{RowCount: 1000, RowWidth: 8, ChunkBytes: 80}
	data := append(hdr.Marshal(), make([]byte, 16)...)
	require.NoError(t, cl.nodes[2].kv.Put(ctx, lookalike, store.NewValue(data)))
	for _, n := range cl.nodes {
		res, err = n.runner.Fork(ctx, lookalike, &sumTask{})
		require.NoError(t, err)
		require.Equal(t, int64(len(data)/8), res.(*sumTask).Rows)
	}

	_, err = cl.nodes[0].runner.Fork(ctx, store.NewKey("absent"), &sumTask{})
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	_, err = cl.nodes[0].runner.Fork(ctx, base, &unregistered{})
	require.ErrorIs(t, err, apierrors.ErrNoSuchTask)

	res, err = cl.nodes[0].runner.InvokeOnKeys(ctx, nil, &sumTask{Sum: 7})
	require.NoError(t, err)
	require.Equal(t, int64(7), res.(*sumTask).Sum)
}

func TestRunner_ManyChunks(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t, 5, Config{PoolSize: 4})
	base := cl.putArray(t, "many", 1000, 7)

	res, err := cl.nodes[3].runner.Fork(ctx, base, &sumTask{})
	require.NoError(t, err)
	require.Equal(t, int64(1000*1001/2), res.(*sumTask).Sum)
	require.Equal(t, int64(1000), res.(*sumTask).Rows)
}

func TestRunner_Failover(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t, 3, Config{RetryTimeoutMs: 500, MaxRetries: 1})
	base := cl.putArray(t, "thirty", 30, 3)

	cl.net.Isolate(cl.nodes[2].info.ID)
	res, err := cl.nodes[0].runner.Fork(ctx, base, &sumTask{})
	require.NoError(t, err)
	require.Equal(t, int64(30*31/2), res.(*sumTask).Sum)
	require.Equal(t, int64(30), res.(*sumTask).Rows)
	cl.net.Heal(cl.nodes[2].info.ID)

	// a key whose replicas are all cut off is lost
	self := cl.c.IndexOf(cl.nodes[0].info.ID)
	var lost *store.Key
	for i := 0; lost == nil; i++ {
		key := store.NewKey(fmt.Sprintf("lost-%d", i))
		if cl.c.D(key, 0) != self && cl.c.D(key, 1) != self {
			lost = key
		}
	}
	cl.net.Isolate(cl.nodes[1].info.ID)
	cl.net.Isolate(cl.nodes[2].info.ID)
	_, err = cl.nodes[0].runner.InvokeOnKeys(ctx, []*store.Key{lost}, &sumTask{})
	require.ErrorIs(t, err, apierrors.ErrDataLoss)
}

func TestRunner_HungNode(t *testing.T) {
	// the hung node takes every position of the tree in turn: root, inner
	// branch or leaf depending on member order
	for hung := 0; hung < 3; hung++ {
		hung := hung
		t.Run(fmt.Sprintf("node%d", hung), func(t *testing.T) {
			ctx := context.Background()
			cl := newCluster(t, 3, Config{RetryTimeoutMs: 300, MaxRetries: 1})
			base := cl.putArray(t, "thirty", 30, 3)
			cl.nodes[hung].hang()

			for _, caller := range cl.nodes {
				if caller == cl.nodes[hung] {
					continue
				}
				start := time.Now()
				res, err := caller.runner.Fork(ctx, base, &sumTask{})
				require.NoError(t, err)
				require.Equal(t, int64(30*31/2), res.(*sumTask).Sum)
				require.Equal(t, int64(30), res.(*sumTask).Rows)
				require.Less(t, time.Since(start), 5*time.Second)
			}
		})
	}
}

func TestRunner_Deadline(t *testing.T) {
	r := NewRunner(Config{RetryTimeoutMs: 100, MaxRetries: 1}, nil, nil, nil)
	defer r.Close()

	require.Equal(t, 0, height(1, 0))
	require.Equal(t, 1, height(3, 0))
	require.Equal(t, 1, height(2, 0))
	require.Equal(t, 2, height(7, 0))
	require.Equal(t, 1, height(7, 2))
	require.Equal(t, 0, height(7, 3))

	require.Equal(t, 100*time.Millisecond, r.deadline(0))
	require.Equal(t, 300*time.Millisecond, r.deadline(1))
	require.Equal(t, 700*time.Millisecond, r.deadline(2))
	// a parent outlives every attempt at its child
	for h := 1; h < 5; h++ {
		require.Greater(t, r.deadline(h), 2*r.deadline(h-1))
	}
}

func TestRunner_MapFailure(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t, 3, Config{})
	base := cl.putArray(t, "fail", 9, 3)

	_, err := cl.nodes[1].runner.Fork(ctx, base, &failTask{})
	require.ErrorIs(t, err, apierrors.ErrTaskFailed)
	require.Contains(t, err.Error(), "boom")
}

func TestRunner_Cancel(t *testing.T) {
	ctx := context.Background()
	cl := newCluster(t, 3, Config{})
	base := cl.putArray(t, "block", 9, 3)

	f := cl.nodes[0].runner.ForkAsync(ctx, base, &blockTask{})
	select {
	case <-blockStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("no map started")
	}
	f.Cancel()
	f.Cancel()

	getCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := f.Get(getCtx)
	require.ErrorIs(t, err, apierrors.ErrTaskCancelled)
	<-f.Done()

	for _, n := range cl.nodes {
		require.Eventually(t, func() bool {
			empty := true
			n.runner.running.Range(func(_, _ interface{}) bool {
				empty = false
				return false
			})
			return empty
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestPlan(t *testing.T) {
	infos := []proto.NodeInfo{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	c := cloud.New(uuid.New(), 1, infos)
	keys := make([]*store.Key, 0, 50)
	for i := 0; i < 50; i++ {
		keys = append(keys, store.NewKey(fmt.Sprintf("k%d", i)))
	}

	groups := plan(c, keys)
	require.LessOrEqual(t, len(groups), 3)
	next := uint32(0)
	for i, g := range groups {
		require.Equal(t, next, g.Base)
		next += uint32(len(g.Keys))
		if i > 0 {
			require.Less(t, c.IndexOf(groups[i-1].Node.ID), c.IndexOf(g.Node.ID))
		}
		for _, kb := range g.Keys {
			key, err := store.KeyFromBytes(kb)
			require.NoError(t, err)
			require.Equal(t, g.Node.ID, c.Member(c.D(key, 0)).ID)
		}
	}
	require.Equal(t, uint32(50), next)

	failed := groups[0].Node.ID
	moved, err := replan(c, groups, failed)
	require.NoError(t, err)
	cov := roaring.New()
	for _, g := range moved {
		require.NotEqual(t, failed, g.Node.ID)
		r := roaring.New()
		r.AddRange(uint64(g.Base), uint64(g.Base)+uint64(len(g.Keys)))
		require.False(t, cov.Intersects(r))
		cov.Or(r)
		for _, kb := range g.Keys {
			key, err := store.KeyFromBytes(kb)
			require.NoError(t, err)
			require.Equal(t, g.Node.ID, c.Member(c.D(key, int(g.Replica))).ID)
		}
	}
	require.Equal(t, uint64(50), cov.GetCardinality())

	single := []*store.Key{store.NewKeyWithReplicas("one", 1)}
	g := plan(c, single)
	_, err = replan(c, g, g[0].Node.ID)
	require.ErrorIs(t, err, apierrors.ErrDataLoss)

	require.Len(t, subtree(make([]proto.ForkGroup, 7), 1), 3)
	require.Len(t, subtree(make([]proto.ForkGroup, 7), 0), 7)
	require.Len(t, subtree(make([]proto.ForkGroup, 7), 6), 1)
}

func TestPartialMerge(t *testing.T) {
	ctx := context.Background()
	newPartial := func(sum int64, from, to uint64) *partial {
		cov := roaring.New()
		cov.AddRange(from, to)
		return &partial{task: &sumTask{Sum: sum}, cov: cov}
	}
	p := newPartial(1, 0, 3)
	require.NoError(t, p.merge(ctx, newPartial(2, 3, 5)))
	require.NoError(t, p.merge(ctx, newPartial(100, 4, 6)))
	require.Equal(t, int64(3), p.task.(*sumTask).Sum)
	require.Equal(t, uint64(5), p.cov.GetCardinality())
}
