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
	"google.golang.org/protobuf/encoding/protowire"
)

// NodeInfo identifies one cluster member. ID is a UUID string and is the
// sort key of cloud member arrays.
type NodeInfo struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	GossipAddr string `json:"gossip_addr"`
	HttpAddr   string `json:"http_addr"`
}

func (n NodeInfo) IsZero() bool {
	return n.ID == ""
}

func (n NodeInfo) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, n.ID)
	b = appendString(b, 2, n.Addr)
	b = appendString(b, 3, n.GossipAddr)
	b = appendString(b, 4, n.HttpAddr)
	return b
}

func (n *NodeInfo) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		v, l := protowire.ConsumeString(b)
		if l < 0 {
			return l, protowire.ParseError(l)
		}
		switch num {
		case 1:
			n.ID = v
		case 2:
			n.Addr = v
		case 3:
			n.GossipAddr = v
		case 4:
			n.HttpAddr = v
		}
		return l, nil
	})
}
