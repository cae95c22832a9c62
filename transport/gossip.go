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
	stdlog "log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/hashicorp/memberlist"

	"github.com/cubefs/cloudkv/proto"
)

type GossipConfig struct {
	BindAddr         string   `json:"bind_addr"`
	BindPort         int      `json:"bind_port"`
	AdvertiseAddr    string   `json:"advertise_addr"`
	AdvertisePort    int      `json:"advertise_port"`
	Seeds            []string `json:"seeds"`
	GossipIntervalMs int      `json:"gossip_interval_ms"`
	ProbeIntervalMs  int      `json:"probe_interval_ms"`
	ProbeTimeoutMs   int      `json:"probe_timeout_ms"`
}

// gossip carries broadcast datagrams over memberlist. Membership decisions
// are not taken from memberlist; it only provides discovery and a best
// effort packet channel to every known node.
type gossip struct {
	self    proto.NodeInfo
	ml      *memberlist.Memberlist
	handler atomic.Value
}

func newGossip(ctx context.Context, self proto.NodeInfo, cfg *GossipConfig) (*gossip, error) {
	span := trace.SpanFromContextSafe(ctx)
	g := &gossip{self: self}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = self.ID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	mlConfig.AdvertisePort = cfg.AdvertisePort
	if cfg.GossipIntervalMs > 0 {
		mlConfig.GossipInterval = time.Duration(cfg.GossipIntervalMs) * time.Millisecond
	}
	if cfg.ProbeIntervalMs > 0 {
		mlConfig.ProbeInterval = time.Duration(cfg.ProbeIntervalMs) * time.Millisecond
	}
	if cfg.ProbeTimeoutMs > 0 {
		mlConfig.ProbeTimeout = time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond
	}
	mlConfig.Delegate = g
	mlConfig.Events = g
	mlConfig.Logger = stdlog.New(logWriter{}, "", 0)

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, err
	}
	g.ml = ml

	if len(cfg.Seeds) > 0 {
		if n, err := ml.Join(cfg.Seeds); err != nil {
			span.Warnf("join gossip seeds %v failed, joined %d: %s", cfg.Seeds, n, err)
		}
	}
	return g, nil
}

func (g *gossip) setHandler(h DatagramHandler) {
	g.handler.Store(h)
}

func (g *gossip) address() string {
	return g.ml.LocalNode().Address()
}

func (g *gossip) join(seeds []string) (int, error) {
	return g.ml.Join(seeds)
}

func (g *gossip) broadcast(data []byte) error {
	var firstErr error
	for _, node := range g.ml.Members() {
		if node.Name == g.self.ID {
			continue
		}
		if err := g.ml.SendBestEffort(node, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *gossip) close() {
	if err := g.ml.Leave(time.Second); err != nil {
		log.Warnf("leave gossip failed: %s", err)
	}
	g.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (g *gossip) NodeMeta(limit int) []byte {
	meta := g.self.Marshal()
	if len(meta) > limit {
		return nil
	}
	return meta
}

// NotifyMsg implements memberlist.Delegate
func (g *gossip) NotifyMsg(data []byte) {
	h, _ := g.handler.Load().(DatagramHandler)
	if h == nil {
		return
	}
	// memberlist reuses the buffer
	buf := make([]byte, len(data))
	copy(buf, data)

	env := &proto.Envelope{}
	if err := env.Unmarshal(buf); err != nil {
		log.Warnf("drop malformed datagram: %s", err)
		return
	}
	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	h(ctx, env)
}

// GetBroadcasts implements memberlist.Delegate
func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *gossip) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *gossip) MergeRemoteState(buf []byte, join bool) {}

// NotifyJoin implements memberlist.EventDelegate
func (g *gossip) NotifyJoin(node *memberlist.Node) {
	log.Infof("gossip node %s joined from %s", node.Name, node.Address())
}

// NotifyLeave implements memberlist.EventDelegate
func (g *gossip) NotifyLeave(node *memberlist.Node) {
	log.Infof("gossip node %s left", node.Name)
}

// NotifyUpdate implements memberlist.EventDelegate
func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	log.Debugf("gossip node %s updated", node.Name)
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}
