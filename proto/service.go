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

package proto

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const codecName = "cloudkv"

// Codec marshals envelopes for grpc without generated protobuf types.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	e, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("codec: unexpected message type %T", v)
	}
	return e.Marshal()
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	e, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("codec: unexpected message type %T", v)
	}
	return e.Unmarshal(data)
}

func (Codec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}

type NodeServer interface {
	Call(ctx context.Context, req *Envelope) (*Envelope, error)
}

type NodeClient interface {
	Call(ctx context.Context, req *Envelope, opts ...grpc.CallOption) (*Envelope, error)
}

type nodeClient struct {
	cc grpc.ClientConnInterface
}

func NewNodeClient(cc grpc.ClientConnInterface) NodeClient {
	return &nodeClient{cc: cc}
}

func (c *nodeClient) Call(ctx context.Context, req *Envelope, opts ...grpc.CallOption) (*Envelope, error) {
	out := new(Envelope)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, CallFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

func nodeCallHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CallFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServer).Call(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: CallMethodName,
			Handler:    nodeCallHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cloudkv.proto",
}
