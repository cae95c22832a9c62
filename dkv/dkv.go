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

package dkv

import (
	"context"
	"errors"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/cloudkv/cloud"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/transport"
)

const (
	defaultCacheSize     = 4096
	defaultCallTimeoutMs = 3000
)

type (
	// CloudView is the part of membership the distributed store reads.
	CloudView interface {
		Self() proto.NodeInfo
		Current() *cloud.Cloud
	}
	Config struct {
		CacheSize     int `json:"cache_size"`
		CallTimeoutMs int `json:"call_timeout_ms"`
	}
)

// DKV spreads the key space over the cloud. Replica 0 of a key, its home,
// orders every write and fans it out to the other replicas; nodes outside
// the replica set keep bounded read-through copies that the home
// invalidates on write.
type DKV struct {
	cfg   Config
	view  CloudView
	store *store.Store
	tr    transport.Transport

	fetches singleflight.Group
	cached  *lru.Cache
}

func New(cfg Config, view CloudView, s *store.Store, tr transport.Transport) (*DKV, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CallTimeoutMs <= 0 {
		cfg.CallTimeoutMs = defaultCallTimeoutMs
	}
	d := &DKV{cfg: cfg, view: view, store: s, tr: tr}
	cache, err := lru.NewWithEvict(cfg.CacheSize, d.onEvict)
	if err != nil {
		return nil, err
	}
	d.cached = cache
	return d, nil
}

func (d *DKV) Store() *store.Store {
	return d.store
}

func (d *DKV) onEvict(_, value interface{}) {
	key := value.(*store.Key)
	if cur := d.store.RawGet(key); cur != nil && cur.State() == store.CacheOnly {
		d.store.Invalidate(key, cur)
	}
}

// OnCloudChange drops every cached copy and every recorded reader: member
// indices of the old cloud mean nothing in the new one.
func (d *DKV) OnCloudChange(ctx context.Context, old, nnn *cloud.Cloud) {
	d.cached.Purge()
	for _, key := range d.store.Keys() {
		key.ResetReplicas()
	}
	trace.SpanFromContextSafe(ctx).Debugf("dkv reset caches for cloud %s/%d", nnn.ID, nnn.Idx)
}

// replicaOf returns which replica of key this node is in c, -1 if none.
func (d *DKV) replicaOf(c *cloud.Cloud, key *store.Key) int {
	self := c.IndexOf(d.view.Self().ID)
	if self < 0 {
		return -1
	}
	for r, idx := range c.Replicas(key, key.DesiredReplicas()) {
		if idx == self {
			return r
		}
	}
	return -1
}

func (d *DKV) IsHome(key *store.Key) bool {
	return d.replicaOf(d.view.Current(), key) == 0
}

// Get returns the live value of key, nil when absent or removed.
func (d *DKV) Get(ctx context.Context, key *store.Key) (*store.Value, error) {
	c := d.view.Current()
	r := d.replicaOf(c, key)
	if r >= 0 {
		v, err := d.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if v != nil || r == 0 {
			return live(v), nil
		}
		// a secondary that missed the write falls back to the home
		return d.fetch(ctx, c, key, false)
	}

	if v := d.store.RawGet(key); v != nil && v.State() == store.CacheOnly {
		return live(v), nil
	}
	v, err, _ := d.fetches.Do(key.String(), func() (interface{}, error) {
		return d.fetch(ctx, c, key, true)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Value), nil
}

// fetch reads key from its replicas in order, home first.
func (d *DKV) fetch(ctx context.Context, c *cloud.Cloud, key *store.Key, cache bool) (*store.Value, error) {
	span := trace.SpanFromContextSafe(ctx)
	self := d.view.Self().ID
	flags := proto.FlagNoCache
	if cache {
		flags = proto.FlagRecordReader
	}

	var lastErr error
	for _, idx := range c.Replicas(key, key.DesiredReplicas()) {
		node := c.Member(idx)
		if node.ID == self {
			continue
		}
		req := d.envelope(ctx, c, proto.MsgGet, key)
		req.Flags = flags
		resp, err := d.call(ctx, node, req)
		if err != nil {
			span.Warnf("get %s from %s failed: %s", key.Readable(), node.ID, err)
			lastErr = err
			continue
		}
		v := valueOf(resp)
		if v.IsTombstone() {
			return nil, nil
		}
		if cache {
			d.install(key, v)
		}
		return v, nil
	}
	if lastErr == nil {
		lastErr = apierrors.ErrNodeNotInCloud
	}
	return nil, lastErr
}

// install keeps v as a cached copy unless something at least as new is
// already there.
func (d *DKV) install(key *store.Key, v *store.Value) {
	for {
		cur := d.store.RawGet(key)
		if cur != nil && !cur.IsTombstone() && (cur.State() != store.CacheOnly || cur.Version() >= v.Version()) {
			return
		}
		if d.store.PutIfMatch(key, v, cur) == cur {
			break
		}
	}
	d.cached.Add(key.String(), d.store.GetKey(key))
}

// Put writes val as the new value of key through the key's home.
func (d *DKV) Put(ctx context.Context, key *store.Key, val *store.Value) error {
	c := d.view.Current()
	if d.replicaOf(c, key) == 0 {
		return d.putHome(ctx, c, key, val)
	}

	home := c.D(key, 0)
	if home == cloud.InvalidNode {
		return apierrors.ErrNodeNotInCloud
	}
	req := d.envelope(ctx, c, proto.MsgPut, key)
	fill(req, val)
	if _, err := d.call(ctx, c.Member(home), req); err != nil {
		return err
	}
	if cur := d.store.RawGet(key); cur != nil && cur.State() == store.CacheOnly {
		d.store.Invalidate(key, cur)
	}
	return nil
}

// Remove writes a tombstone through the key's home.
func (d *DKV) Remove(ctx context.Context, key *store.Key) error {
	return d.Put(ctx, key, store.NewTombstone())
}

func (d *DKV) putHome(ctx context.Context, c *cloud.Cloud, key *store.Key, val *store.Value) error {
	for {
		cur := d.store.RawGet(key)
		if d.store.PutIfMatch(key, val, cur) == cur {
			break
		}
	}
	return d.afterHomeWrite(ctx, c, key, val)
}

// afterHomeWrite fans a write out to the secondaries and invalidates the
// recorded readers.
func (d *DKV) afterHomeWrite(ctx context.Context, c *cloud.Cloud, key *store.Key, val *store.Value) error {
	span := trace.SpanFromContextSafe(ctx)
	replicas := c.Replicas(key, key.DesiredReplicas())
	if len(replicas) == 0 {
		return nil
	}
	isReplica := make(map[int]bool, len(replicas))
	for _, idx := range replicas {
		isReplica[idx] = true
	}
	self := c.IndexOf(d.view.Self().ID)

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range replicas[1:] {
		if idx == self {
			continue
		}
		node := c.Member(idx)
		req := d.envelope(ctx, c, proto.MsgReplicate, key)
		fill(req, val)
		g.Go(func() error {
			if _, err := d.call(gctx, node, req); err != nil {
				span.Warnf("replicate %s to %s failed: %s", key.Readable(), node.ID, err)
				return err
			}
			return nil
		})
	}

	canonical := d.store.GetKey(key)
	if canonical != nil {
		for _, idx := range canonical.TakeReplicas() {
			if idx == self || isReplica[idx] || idx >= c.Size() {
				continue
			}
			node := c.Member(idx)
			req := d.envelope(ctx, c, proto.MsgInvalidate, key)
			req.Version = val.Version()
			go func() {
				if _, err := d.call(context.Background(), node, req); err != nil {
					span.Debugf("invalidate %s on %s failed: %s", key.Readable(), node.ID, err)
				}
			}()
		}
	}
	return g.Wait()
}

// Atomic applies f to the value of key at its home until it wins the
// compare and swap. f sees nil for an absent or removed key and returns
// nil to leave the key untouched.
func (d *DKV) Atomic(ctx context.Context, key *store.Key, f store.TransformFunc) (*store.Value, error) {
	c := d.view.Current()
	if d.replicaOf(c, key) == 0 {
		var written *store.Value
		v, err := d.store.Atomic(ctx, key, func(old *store.Value) (*store.Value, error) {
			nv, err := f(live(old))
			written = nv
			return nv, err
		})
		if err != nil {
			return nil, err
		}
		if written == nil || v != written {
			return live(v), nil
		}
		return v, d.afterHomeWrite(ctx, c, key, v)
	}
	return d.remoteAtomic(ctx, c, key, f)
}

func (d *DKV) remoteAtomic(ctx context.Context, c *cloud.Cloud, key *store.Key, f store.TransformFunc) (*store.Value, error) {
	home := c.D(key, 0)
	if home == cloud.InvalidNode {
		return nil, apierrors.ErrNodeNotInCloud
	}
	node := c.Member(home)
	bo := store.Backoff{}
	for {
		req := d.envelope(ctx, c, proto.MsgGet, key)
		req.Flags = proto.FlagNoCache
		resp, err := d.call(ctx, node, req)
		if err != nil {
			return nil, err
		}
		old := valueOf(resp)
		nv, err := f(live(old))
		if err != nil {
			return nil, err
		}
		if nv == nil {
			return live(old), nil
		}

		cas := d.envelope(ctx, c, proto.MsgCAS, key)
		fill(cas, nv)
		cas.Version = resp.Version
		resp, err = d.call(ctx, node, cas)
		if err == nil {
			return nv.WithVersion(resp.Version), nil
		}
		if !errors.Is(err, apierrors.ErrContention) {
			return nil, err
		}
		if err = bo.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (d *DKV) envelope(ctx context.Context, c *cloud.Cloud, typ proto.MsgType, key *store.Key) *proto.Envelope {
	return &proto.Envelope{
		Type:    typ,
		From:    d.view.Self(),
		CloudID: c.ID.String(),
		Epoch:   c.Idx,
		ReqID:   trace.SpanFromContextSafe(ctx).TraceID(),
		Key:     key.Bytes(),
	}
}

func (d *DKV) call(ctx context.Context, to proto.NodeInfo, req *proto.Envelope) (*proto.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.CallTimeoutMs)*time.Millisecond)
	defer cancel()
	return d.tr.Call(ctx, to, req)
}

// live hides tombstones from callers.
func live(v *store.Value) *store.Value {
	if v.IsTombstone() {
		return nil
	}
	return v
}

func fill(env *proto.Envelope, v *store.Value) {
	env.Kind = uint32(v.Kind())
	env.Version = v.Version()
	if !v.IsTombstone() {
		env.Value = v.Bytes()
		env.ValueType = uint32(v.Type())
	}
}

func valueOf(env *proto.Envelope) *store.Value {
	if store.Kind(env.Kind) == store.KindTombstone {
		return store.NewTombstone().WithVersion(env.Version)
	}
	return store.NewCacheValue(env.Value, env.Version).As(store.Type(env.ValueType))
}

// writtenValue is the value carried by a put, replicate or cas request.
func writtenValue(env *proto.Envelope) *store.Value {
	if store.Kind(env.Kind) == store.KindTombstone {
		return store.NewTombstone()
	}
	return store.NewValue(env.Value).As(store.Type(env.ValueType))
}
