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
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cubefs/cloudkv/proto"
)

const (
	defaultConnectionTimeoutMs = 100
	defaultMaxTimeoutMs        = 5000
	defaultBackoffMaxDelayMs   = 5000
	defaultBackoffBaseDelayMs  = 200
	defaultKeepAliveTimeoutS   = 60
)

type Config struct {
	MaxTimeoutMs       uint32 `json:"max_timeout_ms"`
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`

	Gossip GossipConfig `json:"gossip"`
}

// GRPCTransport sends point to point calls over grpc and broadcasts over
// the memberlist gossip layer.
type GRPCTransport struct {
	self    proto.NodeInfo
	cfg     *Config
	conns   sync.Map
	handler atomic.Value
	gossip  *gossip
}

func NewGRPCTransport(ctx context.Context, self proto.NodeInfo, cfg *Config) (*GRPCTransport, error) {
	initialDefaultConfig(&cfg.ConnectTimeoutMs, defaultConnectionTimeoutMs)
	initialDefaultConfig(&cfg.MaxTimeoutMs, defaultMaxTimeoutMs)
	initialDefaultConfig(&cfg.KeepaliveTimeoutS, defaultKeepAliveTimeoutS)
	initialDefaultConfig(&cfg.BackoffBaseDelayMs, defaultBackoffBaseDelayMs)
	initialDefaultConfig(&cfg.BackoffMaxDelayMs, defaultBackoffMaxDelayMs)

	t := &GRPCTransport{self: self, cfg: cfg}
	g, err := newGossip(ctx, self, &cfg.Gossip)
	if err != nil {
		return nil, errors.Info(err, "start gossip failed")
	}
	t.gossip = g
	return t, nil
}

func (t *GRPCTransport) SetHandler(h Handler) {
	t.handler.Store(h)
}

func (t *GRPCTransport) SetDatagramHandler(h DatagramHandler) {
	t.gossip.setHandler(h)
}

func (t *GRPCTransport) loadHandler() Handler {
	h, _ := t.handler.Load().(Handler)
	return h
}

func (t *GRPCTransport) Call(ctx context.Context, to proto.NodeInfo, req *proto.Envelope) (*proto.Envelope, error) {
	if to.ID == t.self.ID {
		return unwrap(serve(ctx, t.loadHandler(), req))
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(t.cfg.MaxTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	conn, err := t.getConnection(ctx, to.Addr)
	if err != nil {
		return nil, errors.Info(err, "connect to node", to.ID, to.Addr)
	}
	resp, err := proto.NewNodeClient(conn.ClientConn).Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return unwrap(resp)
}

func (t *GRPCTransport) Broadcast(ctx context.Context, env *proto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return t.gossip.broadcast(data)
}

// GossipAddr is the address other nodes join through.
func (t *GRPCTransport) GossipAddr() string {
	return t.gossip.address()
}

// Join contacts seed gossip addresses and returns how many answered.
func (t *GRPCTransport) Join(seeds []string) (int, error) {
	return t.gossip.join(seeds)
}

// NodeServer is the grpc service the RPC server registers.
func (t *GRPCTransport) NodeServer() proto.NodeServer {
	return &nodeService{t: t}
}

func (t *GRPCTransport) Close() {
	t.gossip.close()
	t.conns.Range(func(key, value interface{}) bool {
		if conn := value.(*connection); conn.ClientConn != nil {
			conn.Close()
		}
		t.conns.Delete(key)
		return true
	})
}

type nodeService struct {
	t *GRPCTransport
}

func (s *nodeService) Call(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
	return serve(ctx, s.t.loadHandler(), req), nil
}

func (t *GRPCTransport) getConnection(ctx context.Context, target string) (conn *connection, err error) {
	value, loaded := t.conns.Load(target)
	if !loaded {
		value, _ = t.conns.LoadOrStore(target, &connection{})
	}
	conn = value.(*connection)

	conn.once.Do(func() {
		grpcConn, dialErr := grpc.DialContext(ctx, target, generateDialOpts(t.cfg)...)
		if dialErr != nil {
			conn.err = dialErr
			t.conns.Delete(target)
			return
		}
		grpcConn.Connect()
		conn.ClientConn = grpcConn
	})
	if conn.ClientConn == nil {
		if conn.err != nil {
			return nil, conn.err
		}
		return nil, status.Error(codes.Unavailable, "connection to "+target+" is not established")
	}
	return conn, nil
}

type connection struct {
	*grpc.ClientConn

	err  error
	once sync.Once
}

// generateDialOpts generate grpc dial options
func generateDialOpts(cfg *Config) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithChainUnaryInterceptor(unaryInterceptorWithTracer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// unaryInterceptorWithTracer intercept client request with trace id
func unaryInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(
		proto.ReqIdKey, span.TraceID(),
	))

	return invoker(ctx, method, req, reply, cc, opts...)
}

// UnaryServerInterceptorWithTracer restores the caller's trace id on the
// serving side.
func UnaryServerInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "failed to get metadata")
	}
	reqId, ok := md[proto.ReqIdKey]
	if ok && len(reqId) > 0 {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqId[0])
	} else {
		_, ctx = trace.StartSpanFromContext(ctx, "")
	}
	return handler(ctx, req)
}

func initialDefaultConfig[T comparable](v *T, defaultValue T) {
	var zero T
	if *v == zero {
		*v = defaultValue
	}
}
