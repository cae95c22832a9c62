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

const (
	ReqIdKey = "req-id"

	ServiceName    = "cloudkv.Node"
	CallMethodName = "Call"
	CallFullMethod = "/" + ServiceName + "/" + CallMethodName
)

type MsgType uint32

const (
	MsgUnknown MsgType = iota
	// datagrams
	MsgHeartbeat
	MsgProposal
	// point to point
	MsgGet
	MsgPut
	MsgReplicate
	MsgInvalidate
	MsgCAS
	MsgFork
	MsgCancel
	MsgResponse
)

var msgTypeNames = map[MsgType]string{
	MsgUnknown:    "unknown",
	MsgHeartbeat:  "heartbeat",
	MsgProposal:   "proposal",
	MsgGet:        "get",
	MsgPut:        "put",
	MsgReplicate:  "replicate",
	MsgInvalidate: "invalidate",
	MsgCAS:        "cas",
	MsgFork:       "fork",
	MsgCancel:     "cancel",
	MsgResponse:   "response",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return msgTypeNames[MsgUnknown]
}

// IsDatagram reports whether messages of this type travel over the
// best-effort broadcast channel.
func (t MsgType) IsDatagram() bool {
	return t == MsgHeartbeat || t == MsgProposal
}
