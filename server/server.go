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

package server

import (
	"context"
	"io"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/cloudkv/arraylet"
	"github.com/cubefs/cloudkv/cloud"
	"github.com/cubefs/cloudkv/dkv"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/job"
	"github.com/cubefs/cloudkv/metrics"
	"github.com/cubefs/cloudkv/parse"
	"github.com/cubefs/cloudkv/persist"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/task"
	"github.com/cubefs/cloudkv/transport"
)

type Config struct {
	NodeID string `json:"node_id"`
	// Addr is the advertised grpc address of the node.
	Addr     string `json:"addr"`
	HttpAddr string `json:"http_addr"`

	CloudConfig     cloud.Config     `json:"cloud_config"`
	TransportConfig transport.Config `json:"transport_config"`
	DKVConfig       dkv.Config       `json:"dkv_config"`
	StoreConfig     store.Config     `json:"store_config"`
	PersistConfig   persist.Config   `json:"persist_config"`
	TaskConfig      task.Config      `json:"task_config"`
}

// Server is the per node context: every component of a cloud member hangs
// off it, so one process may host several nodes.
type Server struct {
	cfg  *Config
	self proto.NodeInfo

	engine     persist.Engine
	store      *store.Store
	membership *cloud.Membership
	tr         transport.Transport
	grpcTr     *transport.GRPCTransport
	kv         *dkv.DKV
	runner     *task.Runner
	jobs       *job.Registry

	closeOnce sync.Once
}

// NewServer builds a node talking grpc and gossip.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	self := proto.NodeInfo{ID: cfg.NodeID, Addr: cfg.Addr, HttpAddr: cfg.HttpAddr}
	tr, err := transport.NewGRPCTransport(ctx, self, &cfg.TransportConfig)
	if err != nil {
		return nil, errors.Info(err, "new grpc transport failed")
	}
	s, err := newServer(ctx, cfg, self, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	s.grpcTr = tr
	return s, nil
}

func newServer(ctx context.Context, cfg *Config, self proto.NodeInfo, tr transport.Transport) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)

	engine, err := persist.NewEngine(ctx, &cfg.PersistConfig)
	if err != nil {
		return nil, errors.Info(err, "new persistence engine failed")
	}
	var se store.Engine
	if engine != nil {
		se = engine
	}
	s := &Server{
		cfg:    cfg,
		self:   self,
		engine: engine,
		store:  store.NewStore(&cfg.StoreConfig, se),
		tr:     tr,
	}
	s.membership = cloud.NewMembership(self, cfg.CloudConfig, tr)
	if s.kv, err = dkv.New(cfg.DKVConfig, s.membership, s.store, tr); err != nil {
		s.closeEngine()
		return nil, errors.Info(err, "new dkv failed")
	}
	s.runner = task.NewRunner(cfg.TaskConfig, s.membership, s.kv, tr)
	s.jobs = job.NewRegistry(s.kv, self.ID)

	s.membership.Observe(s.kv.OnCloudChange)
	s.membership.Observe(s.runner.OnCloudChange)
	tr.SetHandler(s.handle)
	tr.SetDatagramHandler(s.membership.HandleDatagram)

	n, err := s.store.Load(ctx)
	if err != nil {
		s.runner.Close()
		s.closeEngine()
		return nil, errors.Info(err, "load store failed")
	}
	span.Infof("node %s loaded %d persisted keys", self.ID, n)
	return s, nil
}

// Start begins heartbeating; the node stands alone until it hears peers.
func (s *Server) Start() {
	s.membership.Start()
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.membership.Close()
		s.runner.Close()
		s.tr.Close()
		s.closeEngine()
	})
}

func (s *Server) closeEngine() {
	if s.engine != nil {
		s.engine.Close()
	}
}

func (s *Server) Self() proto.NodeInfo           { return s.self }
func (s *Server) Membership() *cloud.Membership { return s.membership }
func (s *Server) KV() *dkv.DKV                  { return s.kv }
func (s *Server) Runner() *task.Runner          { return s.runner }
func (s *Server) Jobs() *job.Registry           { return s.jobs }

// handle routes an inbound point to point message. Messages stamped with
// a cloud this node has moved past are rejected.
func (s *Server) handle(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
	if s.stale(req) {
		metrics.StaleMessages.Inc()
		trace.SpanFromContextSafe(ctx).Warnf("drop %s from %s: stale cloud %s/%d", req.Type, req.From.ID, req.CloudID, req.Epoch)
		return nil, apierrors.ErrStaleCloud.Withf("cloud %s/%d", req.CloudID, req.Epoch)
	}
	switch req.Type {
	case proto.MsgFork, proto.MsgCancel:
		return s.runner.Handle(ctx, req)
	default:
		return s.kv.Handle(ctx, req)
	}
}

// stale accepts clouds newer than the installed one: the proposal that
// creates them may still be on its way here.
func (s *Server) stale(req *proto.Envelope) bool {
	if !s.membership.IsStale(req.CloudID, req.Epoch) {
		return false
	}
	cur := s.membership.Current()
	if _, err := uuid.Parse(req.CloudID); err != nil {
		return true
	}
	return !cloud.Larger(req.Epoch, cur.Idx)
}

// Import stores r as a raw array at key.
func (s *Server) Import(ctx context.Context, key *store.Key, r io.Reader, chunkBytes int64) (*arraylet.Header, error) {
	return parse.Import(ctx, s.kv, key, r, chunkBytes)
}

// Parse runs the dataset scanner as a job of this node.
func (s *Server) Parse(ctx context.Context, src, dst *store.Key, opts parse.Options) (*arraylet.Header, error) {
	opts.Jobs = s.jobs
	return parse.Parse(ctx, s.runner, s.kv, src, dst, opts)
}

type Stats struct {
	Node    proto.NodeInfo   `json:"node"`
	State   string           `json:"state"`
	CloudID string           `json:"cloud_id"`
	Epoch   uint8            `json:"epoch"`
	Members []proto.NodeInfo `json:"members"`
	Keys    int              `json:"keys"`
	Persist interface{}      `json:"persist,omitempty"`
}

func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	c := s.membership.Current()
	st := &Stats{
		Node:    s.self,
		State:   s.membership.State().String(),
		CloudID: c.ID.String(),
		Epoch:   c.Idx,
		Members: c.Members,
		Keys:    s.store.Len(),
	}
	if s.engine != nil {
		ps, err := s.engine.Stats(ctx)
		if err != nil {
			return nil, err
		}
		st.Persist = ps
	}
	return st, nil
}
