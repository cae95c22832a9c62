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

const (
	// FlagNoCache asks a get to bypass the remote read cache.
	FlagNoCache uint32 = 1 << iota
	// FlagRecordReader marks the requester as a cached copy holder.
	FlagRecordReader
)

// Envelope is the single message shape exchanged between nodes, both over
// point to point calls and broadcast datagrams. Fields unused by a MsgType
// are left zero and cost nothing on the wire.
type Envelope struct {
	Type    MsgType
	From    NodeInfo
	CloudID string
	Epoch   uint8
	ReqID   string

	Key     []byte
	Value   []byte
	Kind    uint32
	Version uint64
	Flags   uint32

	// type of a normal value, see store.Type
	ValueType uint32

	Name     string
	State    []byte
	Members  []NodeInfo
	Groups   []ForkGroup
	Index    uint32
	Coverage []byte

	ErrCode uint32
	ErrMsg  string
}

// ForkGroup is the set of keys mapped by one node of a reduction tree.
type ForkGroup struct {
	Node    NodeInfo
	Keys    [][]byte
	Replica uint32
	// position of Keys[0] in the flattened key list of the fork
	Base uint32
}

func (g *ForkGroup) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, g.Node.Marshal())
	for _, k := range g.Keys {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, k)
	}
	b = appendVarint(b, 3, uint64(g.Replica))
	b = appendVarint(b, 4, uint64(g.Base))
	return b
}

func (g *ForkGroup) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			return n, g.Node.Unmarshal(v)
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			g.Keys = append(g.Keys, v)
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			g.Replica = uint32(v)
			return n, err
		case 4:
			v, n, err := consumeVarint(typ, b)
			g.Base = uint32(v)
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

func (e *Envelope) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(e.Type))
	if !e.From.IsZero() {
		b = appendBytes(b, 2, e.From.Marshal())
	}
	b = appendString(b, 3, e.CloudID)
	b = appendVarint(b, 4, uint64(e.Epoch))
	b = appendString(b, 5, e.ReqID)
	b = appendBytes(b, 6, e.Key)
	b = appendBytes(b, 7, e.Value)
	b = appendVarint(b, 8, uint64(e.Kind))
	b = appendVarint(b, 9, e.Version)
	b = appendVarint(b, 10, uint64(e.Flags))
	b = appendString(b, 11, e.Name)
	b = appendBytes(b, 12, e.State)
	for i := range e.Members {
		b = protowire.AppendTag(b, 13, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Members[i].Marshal())
	}
	for i := range e.Groups {
		b = protowire.AppendTag(b, 14, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Groups[i].Marshal())
	}
	b = appendVarint(b, 15, uint64(e.Index))
	b = appendBytes(b, 16, e.Coverage)
	b = appendVarint(b, 17, uint64(e.ErrCode))
	b = appendString(b, 18, e.ErrMsg)
	b = appendVarint(b, 19, uint64(e.ValueType))
	return b, nil
}

func (e *Envelope) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 4, 8, 9, 10, 15, 17, 19:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return n, err
			}
			switch num {
			case 1:
				e.Type = MsgType(v)
			case 4:
				e.Epoch = uint8(v)
			case 8:
				e.Kind = uint32(v)
			case 9:
				e.Version = v
			case 10:
				e.Flags = uint32(v)
			case 15:
				e.Index = uint32(v)
			case 17:
				e.ErrCode = uint32(v)
			case 19:
				e.ValueType = uint32(v)
			}
			return n, nil
		case 2, 3, 5, 6, 7, 11, 12, 13, 14, 16, 18:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			switch num {
			case 2:
				err = e.From.Unmarshal(v)
			case 3:
				e.CloudID = string(v)
			case 5:
				e.ReqID = string(v)
			case 6:
				e.Key = v
			case 7:
				e.Value = v
			case 11:
				e.Name = string(v)
			case 12:
				e.State = v
			case 13:
				var node NodeInfo
				err = node.Unmarshal(v)
				e.Members = append(e.Members, node)
			case 14:
				var g ForkGroup
				err = g.Unmarshal(v)
				e.Groups = append(e.Groups, g)
			case 16:
				e.Coverage = v
			case 18:
				e.ErrMsg = string(v)
			}
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
}

// Reply builds a response envelope addressed back to the sender of e.
func (e *Envelope) Reply() *Envelope {
	return &Envelope{
		Type:    MsgResponse,
		CloudID: e.CloudID,
		Epoch:   e.Epoch,
		ReqID:   e.ReqID,
		Key:     e.Key,
	}
}
