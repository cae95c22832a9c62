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

package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/cloudkv/proto"
)

var ErrUnreachable = errors.New("node unreachable")

// Network connects in-process transports. Every envelope is marshaled and
// unmarshaled on the way so handlers never share memory with the sender.
type Network struct {
	lock     sync.RWMutex
	nodes    map[string]*MemTransport
	isolated map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[string]*MemTransport),
		isolated: make(map[string]bool),
	}
}

func (n *Network) Join(info proto.NodeInfo) *MemTransport {
	t := &MemTransport{net: n, self: info}
	n.lock.Lock()
	n.nodes[info.ID] = t
	n.lock.Unlock()
	return t
}

// Isolate cuts every path to and from node id.
func (n *Network) Isolate(id string) {
	n.lock.Lock()
	n.isolated[id] = true
	n.lock.Unlock()
}

func (n *Network) Heal(id string) {
	n.lock.Lock()
	delete(n.isolated, id)
	n.lock.Unlock()
}

func (n *Network) route(from, to string) *MemTransport {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if n.isolated[from] || n.isolated[to] {
		return nil
	}
	t := n.nodes[to]
	if t == nil || t.closed.Load() {
		return nil
	}
	return t
}

func (n *Network) peers(from string) []*MemTransport {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if n.isolated[from] {
		return nil
	}
	out := make([]*MemTransport, 0, len(n.nodes))
	for id, t := range n.nodes {
		if id == from || n.isolated[id] || t.closed.Load() {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (n *Network) leave(id string) {
	n.lock.Lock()
	delete(n.nodes, id)
	n.lock.Unlock()
}

type MemTransport struct {
	net       *Network
	self      proto.NodeInfo
	handler   atomic.Value
	dgHandler atomic.Value
	closed    atomic.Bool
}

func (t *MemTransport) SetHandler(h Handler) {
	t.handler.Store(h)
}

func (t *MemTransport) SetDatagramHandler(h DatagramHandler) {
	t.dgHandler.Store(h)
}

func (t *MemTransport) Call(ctx context.Context, to proto.NodeInfo, req *proto.Envelope) (*proto.Envelope, error) {
	if t.closed.Load() {
		return nil, ErrUnreachable
	}
	target := t.net.route(t.self.ID, to.ID)
	if target == nil {
		return nil, ErrUnreachable
	}
	in, err := copyEnvelope(req)
	if err != nil {
		return nil, err
	}

	span := trace.SpanFromContextSafe(ctx)
	_, remoteCtx := trace.StartSpanFromContextWithTraceID(context.Background(), "", span.TraceID())
	remoteCtx, cancel := context.WithCancel(remoteCtx)
	defer cancel()

	done := make(chan *proto.Envelope, 1)
	go func() {
		h, _ := target.handler.Load().(Handler)
		done <- serve(remoteCtx, h, in)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-done:
		// the target may have been cut off while serving
		if t.net.route(t.self.ID, to.ID) == nil {
			return nil, ErrUnreachable
		}
		out, err := copyEnvelope(resp)
		if err != nil {
			return nil, err
		}
		return unwrap(out)
	}
}

func (t *MemTransport) Broadcast(ctx context.Context, env *proto.Envelope) error {
	if t.closed.Load() {
		return ErrUnreachable
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	for _, peer := range t.net.peers(t.self.ID) {
		go func(peer *MemTransport) {
			h, _ := peer.dgHandler.Load().(DatagramHandler)
			if h == nil {
				return
			}
			in := &proto.Envelope{}
			if err := in.Unmarshal(data); err != nil {
				return
			}
			_, ctx := trace.StartSpanFromContext(context.Background(), "")
			h(ctx, in)
		}(peer)
	}
	return nil
}

func (t *MemTransport) Close() {
	if t.closed.CompareAndSwap(false, true) {
		t.net.leave(t.self.ID)
	}
}

func copyEnvelope(env *proto.Envelope) (*proto.Envelope, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	out := &proto.Envelope{}
	if err = out.Unmarshal(data); err != nil {
		return nil, err
	}
	return out, nil
}
