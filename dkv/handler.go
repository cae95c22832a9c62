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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
)

// Handle serves the key value messages of remote nodes.
func (d *DKV) Handle(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
	key, err := store.KeyFromBytes(req.Key)
	if err != nil {
		return nil, err
	}
	switch req.Type {
	case proto.MsgGet:
		return d.handleGet(ctx, req, key)
	case proto.MsgPut:
		return d.handlePut(ctx, req, key)
	case proto.MsgReplicate:
		return d.handleReplicate(ctx, req, key)
	case proto.MsgInvalidate:
		return d.handleInvalidate(ctx, req, key)
	case proto.MsgCAS:
		return d.handleCAS(ctx, req, key)
	default:
		return nil, apierrors.ErrInvalidMessage.Withf("dkv cannot serve %s", req.Type)
	}
}

func (d *DKV) handleGet(ctx context.Context, req *proto.Envelope, key *store.Key) (*proto.Envelope, error) {
	v, err := d.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	resp := req.Reply()
	if v == nil {
		resp.Kind = uint32(store.KindTombstone)
		return resp, nil
	}
	fill(resp, v)

	if req.Flags&proto.FlagRecordReader != 0 && !v.IsTombstone() {
		if idx := d.view.Current().IndexOf(req.From.ID); idx >= 0 {
			if canonical := d.store.GetKey(key); canonical != nil {
				canonical.SetReplica(idx)
			}
		}
	}
	return resp, nil
}

func (d *DKV) handlePut(ctx context.Context, req *proto.Envelope, key *store.Key) (*proto.Envelope, error) {
	c := d.view.Current()
	if d.replicaOf(c, key) != 0 {
		return nil, apierrors.ErrInvalidReplica.Withf("%s is not the home of %s", d.view.Self().ID, key.Readable())
	}
	val := writtenValue(req)
	if err := d.putHome(ctx, c, key, val); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("put %s replicated partially: %s", key.Readable(), err)
	}
	resp := req.Reply()
	resp.Version = val.Version()
	return resp, nil
}

// handleReplicate installs a secondary copy unless a newer version is
// already held.
func (d *DKV) handleReplicate(ctx context.Context, req *proto.Envelope, key *store.Key) (*proto.Envelope, error) {
	resp := req.Reply()
	for {
		cur := d.store.RawGet(key)
		if cur != nil && cur.State() != store.CacheOnly && cur.Version() >= req.Version {
			trace.SpanFromContextSafe(ctx).Debugf("ignore stale replica of %s: version %d <= %d",
				key.Readable(), req.Version, cur.Version())
			resp.Version = cur.Version()
			return resp, nil
		}
		val := writtenValue(req)
		val.WithVersion(req.Version)
		if d.store.PutIfMatch(key, val, cur) == cur {
			resp.Version = req.Version
			return resp, nil
		}
	}
}

func (d *DKV) handleInvalidate(ctx context.Context, req *proto.Envelope, key *store.Key) (*proto.Envelope, error) {
	cur := d.store.RawGet(key)
	if cur != nil && cur.State() == store.CacheOnly && cur.Version() < req.Version {
		d.store.Invalidate(key, cur)
		d.cached.Remove(key.String())
	}
	return req.Reply(), nil
}

// handleCAS writes the value iff the home still holds the version the
// requester read.
func (d *DKV) handleCAS(ctx context.Context, req *proto.Envelope, key *store.Key) (*proto.Envelope, error) {
	c := d.view.Current()
	if d.replicaOf(c, key) != 0 {
		return nil, apierrors.ErrInvalidReplica.Withf("%s is not the home of %s", d.view.Self().ID, key.Readable())
	}
	cur, err := d.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur.Version() != req.Version {
		return nil, apierrors.ErrContention
	}
	val := writtenValue(req)
	if d.store.PutIfMatch(key, val, cur) != cur {
		return nil, apierrors.ErrContention
	}
	if err = d.afterHomeWrite(ctx, c, key, val); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("cas %s replicated partially: %s", key.Readable(), err)
	}
	resp := req.Reply()
	resp.Version = val.Version()
	return resp, nil
}
