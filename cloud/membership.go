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

package cloud

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/cloudkv/metrics"
	"github.com/cubefs/cloudkv/proto"
)

const (
	defaultHeartbeatIntervalMs = 300
	defaultSuspectTimeoutMs    = 3000
)

type State int32

const (
	Standalone State = iota
	Converging
	Stable
)

func (s State) String() string {
	switch s {
	case Standalone:
		return "standalone"
	case Converging:
		return "converging"
	case Stable:
		return "stable"
	default:
		return "unknown"
	}
}

// Broadcaster sends a datagram to every reachable node, best effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, env *proto.Envelope) error
}

// ObserverFunc is called after a new cloud is installed. It runs on the
// installing goroutine and must not block for long.
type ObserverFunc func(ctx context.Context, old, nnn *Cloud)

type Config struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
	SuspectTimeoutMs    int `json:"suspect_timeout_ms"`
}

func (c *Config) heartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = defaultHeartbeatIntervalMs
	}
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) suspectTimeout() time.Duration {
	if c.SuspectTimeoutMs <= 0 {
		c.SuspectTimeoutMs = defaultSuspectTimeoutMs
	}
	return time.Duration(c.SuspectTimeoutMs) * time.Millisecond
}

// Membership runs the heartbeat and proposal protocol that agrees on the
// current cloud. The node with the smallest id among the live candidates
// proposes; everybody else installs newer proposals that include them.
type Membership struct {
	self proto.NodeInfo
	cfg  Config
	bc   Broadcaster

	current atomic.Pointer[Cloud]
	history History
	state   atomic.Int32
	peers   sync.Map

	installLock sync.Mutex
	observers   []ObserverFunc

	done chan struct{}
	once sync.Once
}

// NewMembership installs the standalone cloud {self}.
func NewMembership(self proto.NodeInfo, cfg Config, bc Broadcaster) *Membership {
	m := &Membership{
		self: self,
		cfg:  cfg,
		bc:   bc,
		done: make(chan struct{}),
	}
	m.cfg.heartbeatInterval()
	m.cfg.suspectTimeout()

	c := New(uuid.New(), 1, []proto.NodeInfo{self})
	m.current.Store(c)
	m.history.Put(c)
	m.state.Store(int32(Standalone))
	metrics.CloudEpoch.Set(float64(c.Idx))
	metrics.CloudSize.Set(1)
	return m
}

func (m *Membership) Self() proto.NodeInfo {
	return m.self
}

func (m *Membership) Current() *Cloud {
	return m.current.Load()
}

func (m *Membership) History() *History {
	return &m.history
}

func (m *Membership) State() State {
	return State(m.state.Load())
}

// Observe registers fn for cloud changes. Observers should be registered
// before Start.
func (m *Membership) Observe(fn ObserverFunc) {
	m.installLock.Lock()
	m.observers = append(m.observers, fn)
	m.installLock.Unlock()
}

// IsStale reports whether a message stamped with (cloudID, epoch) belongs
// to a cloud no longer retained by this node.
func (m *Membership) IsStale(cloudID string, epoch uint8) bool {
	id, err := uuid.Parse(cloudID)
	if err != nil {
		return true
	}
	return !m.history.Contains(id, epoch)
}

func (m *Membership) Start() {
	go m.loop()
}

func (m *Membership) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Membership) loop() {
	ticker := time.NewTicker(m.cfg.heartbeatInterval())
	defer ticker.Stop()

	span, ctx := trace.StartSpanFromContext(context.Background(), "membership-"+m.self.ID)
	for {
		select {
		case <-ticker.C:
			if err := m.heartbeat(ctx); err != nil {
				span.Debugf("broadcast heartbeat failed: %s", err)
			}
			m.evaluate(ctx)
		case <-m.done:
			return
		}
	}
}

func (m *Membership) heartbeat(ctx context.Context) error {
	cur := m.Current()
	return m.bc.Broadcast(ctx, &proto.Envelope{
		Type:    proto.MsgHeartbeat,
		From:    m.self,
		CloudID: cur.ID.String(),
		Epoch:   cur.Idx,
	})
}

func (m *Membership) propose(ctx context.Context, c *Cloud) {
	span := trace.SpanFromContextSafe(ctx)
	err := m.bc.Broadcast(ctx, &proto.Envelope{
		Type:    proto.MsgProposal,
		From:    m.self,
		CloudID: c.ID.String(),
		Epoch:   c.Idx,
		Members: c.Members,
	})
	if err != nil {
		span.Warnf("broadcast proposal of cloud %s/%d failed: %s", c.ID, c.Idx, err)
	}
}

// HandleDatagram consumes heartbeats and proposals.
func (m *Membership) HandleDatagram(ctx context.Context, env *proto.Envelope) {
	if env.From.ID == m.self.ID {
		return
	}
	switch env.Type {
	case proto.MsgHeartbeat:
		m.handleHeartbeat(ctx, env)
	case proto.MsgProposal:
		m.handleProposal(ctx, env)
	}
}

func (m *Membership) handleHeartbeat(ctx context.Context, env *proto.Envelope) {
	id, err := uuid.Parse(env.CloudID)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("invalid cloud id %q from %s", env.CloudID, env.From.ID)
		return
	}
	v, loaded := m.peers.LoadOrStore(env.From.ID, &peer{})
	v.(*peer).handleHeartbeat(env.From, id, env.Epoch, m.cfg.suspectTimeout())
	if !loaded && !m.Current().Contains(env.From.ID) {
		m.state.Store(int32(Converging))
	}
}

func (m *Membership) handleProposal(ctx context.Context, env *proto.Envelope) {
	span := trace.SpanFromContextSafe(ctx)
	id, err := uuid.Parse(env.CloudID)
	if err != nil {
		span.Warnf("invalid proposal cloud id %q from %s", env.CloudID, env.From.ID)
		return
	}
	next := New(id, env.Epoch, env.Members)
	if !next.Contains(m.self.ID) {
		return
	}

	installed := m.install(ctx, next, func(cur *Cloud) bool {
		if cur.ID == next.ID {
			return false
		}
		if Larger(next.Idx, cur.Idx) || cur.Size() == 1 {
			return true
		}
		// two proposers raced on the same epoch
		return next.Idx == cur.Idx && next.ID.String() < cur.ID.String()
	})
	if !installed {
		return
	}
	// a proposal is evidence its members are alive
	for _, info := range next.Members {
		if info.ID == m.self.ID {
			continue
		}
		v, _ := m.peers.LoadOrStore(info.ID, &peer{info: info})
		v.(*peer).touch(m.cfg.suspectTimeout())
	}
}

// install swaps in next when accept approves it against the current cloud.
func (m *Membership) install(ctx context.Context, next *Cloud, accept func(cur *Cloud) bool) bool {
	span := trace.SpanFromContextSafe(ctx)

	m.installLock.Lock()
	old := m.current.Load()
	if !accept(old) {
		m.installLock.Unlock()
		return false
	}
	m.current.Store(next)
	m.history.Put(next)
	if next.Size() == 1 {
		m.state.Store(int32(Standalone))
	} else {
		m.state.Store(int32(Converging))
	}
	observers := make([]ObserverFunc, len(m.observers))
	copy(observers, m.observers)
	m.installLock.Unlock()

	metrics.CloudEpoch.Set(float64(next.Idx))
	metrics.CloudSize.Set(float64(next.Size()))
	span.Infof("node %s installed cloud %s/%d with %d members, previous %s/%d",
		m.self.ID, next.ID, next.Idx, next.Size(), old.ID, old.Idx)

	for _, fn := range observers {
		fn(ctx, old, next)
	}
	return true
}

// evaluate compares the installed cloud with the live candidates and
// proposes when this node is the proposer and they disagree.
func (m *Membership) evaluate(ctx context.Context) {
	cur := m.Current()
	candidates := map[string]proto.NodeInfo{m.self.ID: m.self}
	newest := cur.Idx
	lagging, behind := false, false

	m.peers.Range(func(key, value interface{}) bool {
		p := value.(*peer)
		if p.isExpire() {
			m.peers.Delete(key)
			return true
		}
		info, cloudID, epoch := p.snapshot()
		if info.ID == "" {
			return true
		}
		candidates[info.ID] = info
		if Larger(epoch, newest) {
			newest = epoch
		}
		if cur.Contains(info.ID) && cloudID != cur.ID {
			lagging = true
			// the member already moved past our epoch, a resend cannot help
			if !Larger(cur.Idx, epoch) {
				behind = true
			}
		}
		return true
	})

	proposer := true
	for id := range candidates {
		if id < m.self.ID {
			proposer = false
			break
		}
	}

	if cur.SameMembers(candidates) {
		switch {
		case !lagging:
			if cur.Size() > 1 && m.State() != Stable {
				m.state.Store(int32(Stable))
				trace.SpanFromContextSafe(ctx).Infof("node %s: cloud %s/%d is stable", m.self.ID, cur.ID, cur.Idx)
			}
			return
		case !proposer:
			return
		case !behind:
			m.propose(ctx, cur)
			return
		}
	}

	if m.State() == Stable {
		m.state.Store(int32(Converging))
	}
	if !proposer {
		return
	}
	members := make([]proto.NodeInfo, 0, len(candidates))
	for _, info := range candidates {
		members = append(members, info)
	}
	next := New(uuid.New(), NextEpoch(newest), members)
	if m.install(ctx, next, func(c *Cloud) bool { return c == cur }) {
		m.propose(ctx, next)
	}
}
