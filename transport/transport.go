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

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/proto"
)

type (
	// Handler serves inbound point to point requests.
	Handler func(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error)
	// DatagramHandler consumes inbound broadcast datagrams.
	DatagramHandler func(ctx context.Context, env *proto.Envelope)
)

// Transport moves envelopes between nodes: reliable request/response calls
// and best effort broadcast.
type Transport interface {
	Call(ctx context.Context, to proto.NodeInfo, req *proto.Envelope) (*proto.Envelope, error)
	Broadcast(ctx context.Context, env *proto.Envelope) error
	SetHandler(h Handler)
	SetDatagramHandler(h DatagramHandler)
	Close()
}

// serve runs h and folds a returned error into the response envelope so
// the error code survives the wire.
func serve(ctx context.Context, h Handler, req *proto.Envelope) *proto.Envelope {
	if h == nil {
		return errorReply(req, apierrors.ErrInternal.Withf("no handler for %s", req.Type))
	}
	resp, err := h(ctx, req)
	if err != nil {
		return errorReply(req, err)
	}
	if resp == nil {
		resp = req.Reply()
	}
	return resp
}

func errorReply(req *proto.Envelope, err error) *proto.Envelope {
	resp := req.Reply()
	resp.ErrCode = apierrors.Code(err)
	resp.ErrMsg = err.Error()
	return resp
}

// unwrap turns an error carried in a response back into an error value.
func unwrap(resp *proto.Envelope) (*proto.Envelope, error) {
	if resp.ErrCode != apierrors.CodeOK {
		return resp, apierrors.FromCode(resp.ErrCode, resp.ErrMsg)
	}
	return resp, nil
}
