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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/cloudkv/proto"
)

const cancelTimeout = time.Second

// Future is the pending result of an asynchronous fork.
type Future struct {
	r       *Runner
	traceID string
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}

	result Task
	err    error
}

func (r *Runner) async(ctx context.Context, fn func(ctx context.Context) (Task, error)) *Future {
	traceID := trace.SpanFromContextSafe(ctx).TraceID()
	if traceID == "" {
		traceID = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", traceID)
	f := &Future{r: r, traceID: traceID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.result, f.err = fn(ctx)
	}()
	return f
}

// Get blocks until the fork completes or ctx is done.
func (f *Future) Get(ctx context.Context) (Task, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancel stops the fork. Branches already running on other nodes are told
// to stop on a best effort basis and their results are discarded.
func (f *Future) Cancel() {
	f.once.Do(func() {
		f.cancel()
		c := f.r.view.Current()
		self := f.r.view.Self()
		for _, node := range c.Members {
			if node.ID == self.ID {
				f.r.cancelLocal(f.traceID)
				continue
			}
			req := &proto.Envelope{
				Type:    proto.MsgCancel,
				From:    self,
				CloudID: c.ID.String(),
				Epoch:   c.Idx,
				ReqID:   f.traceID,
			}
			go func(node proto.NodeInfo) {
				ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
				defer cancel()
				if _, err := f.r.tr.Call(ctx, node, req); err != nil {
					trace.SpanFromContextSafe(ctx).Debugf("cancel on %s failed: %s", node.ID, err)
				}
			}(node)
		}
	})
}
