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
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/proto"
)

// Handle serves MsgFork and MsgCancel.
func (r *Runner) Handle(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
	switch req.Type {
	case proto.MsgFork:
		return r.handleFork(ctx, req)
	case proto.MsgCancel:
		r.cancelLocal(req.ReqID)
		return req.Reply(), nil
	default:
		return nil, apierrors.ErrInvalidMessage.Withf("task runner got %s", req.Type)
	}
}

func (r *Runner) handleFork(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
	if int(req.Index) >= len(req.Groups) {
		return nil, apierrors.ErrInvalidMessage.Withf("branch %d of %d groups", req.Index, len(req.Groups))
	}
	span, ctx := trace.StartSpanFromContextWithTraceID(ctx, "", req.ReqID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := r.runningKey(req.ReqID)
	r.running.Store(key, cancel)
	defer r.running.Delete(key)

	f := &fork{id: req.ReqID, name: req.Name, state: req.State, groups: req.Groups}
	p, err := r.runBranch(ctx, f, int(req.Index))
	if err != nil {
		span.Warnf("branch %d of %s failed: %s", req.Index, req.Name, err)
		return nil, err
	}

	resp := req.Reply()
	if resp.State, err = marshalTask(p.task); err != nil {
		return nil, err
	}
	if resp.Coverage, err = p.cov.ToBytes(); err != nil {
		return nil, apierrors.ErrInternal.Withf("coverage: %s", err)
	}
	span.Debugf("branch %d of %s covered %d keys", req.Index, req.Name, p.cov.GetCardinality())
	return resp, nil
}

// cancelLocal stops every branch of the fork running on this node.
func (r *Runner) cancelLocal(forkID string) {
	prefix := forkID + "/"
	r.running.Range(func(k, v interface{}) bool {
		if strings.HasPrefix(k.(string), prefix) {
			v.(context.CancelFunc)()
		}
		return true
	})
}
