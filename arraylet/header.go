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

package arraylet

import (
	"bytes"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/store"
)

// DefaultChunkBytes is the physical chunk size before rounding to whole
// rows.
const DefaultChunkBytes = 1 << 20

var headerMagic = []byte("CKAV")

// Header describes a logical array split into chunk keys. A header with
// no columns describes raw bytes, RowWidth 1.
type Header struct {
	RowCount   int64
	RowWidth   int
	ChunkBytes int64
	Columns    []Column
}

// ChunkSize is ChunkBytes rounded down to whole rows, never below one row.
func (h *Header) ChunkSize() int64 {
	size := h.ChunkBytes
	if size <= 0 {
		size = DefaultChunkBytes
	}
	if h.RowWidth <= 1 {
		return size
	}
	w := int64(h.RowWidth)
	if size < w {
		return w
	}
	return size - size%w
}

// Length is the logical byte length of the array.
func (h *Header) Length() int64 {
	w := int64(h.RowWidth)
	if w < 1 {
		w = 1
	}
	return h.RowCount * w
}

func (h *Header) Chunks() int64 {
	size := h.ChunkSize()
	return (h.Length() + size - 1) / size
}

func (h *Header) ChunkOffset(idx int64) int64 {
	return idx * h.ChunkSize()
}

func (h *Header) ChunkIndexOf(off int64) int64 {
	return off / h.ChunkSize()
}

// ChunkLen is the byte length of chunk idx; only the last one is short.
func (h *Header) ChunkLen(idx int64) int64 {
	off := h.ChunkOffset(idx)
	rest := h.Length() - off
	if rest <= 0 {
		return 0
	}
	if size := h.ChunkSize(); rest > size {
		return size
	}
	return rest
}

func (h *Header) RowsPerChunk() int64 {
	w := int64(h.RowWidth)
	if w < 1 {
		w = 1
	}
	return h.ChunkSize() / w
}

func (h *Header) ChunkRows(idx int64) int64 {
	w := int64(h.RowWidth)
	if w < 1 {
		w = 1
	}
	return h.ChunkLen(idx) / w
}

func isHeader(data []byte) bool {
	return bytes.HasPrefix(data, headerMagic)
}

// Value wraps the marshaled header in a value tagged as an array.
func (h *Header) Value() *store.Value {
	return store.NewValue(h.Marshal()).As(store.TypeArray)
}

// HeaderOf decodes the header held by v. Only values tagged as arrays
// carry one, whatever their bytes look like.
func HeaderOf(v *store.Value) (*Header, error) {
	if v.Type() != store.TypeArray {
		return nil, apierrors.ErrMalformedInput.Withf("not an array")
	}
	h := &Header{}
	if err := h.Unmarshal(v.Bytes()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) Marshal() []byte {
	b := append([]byte{}, headerMagic...)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.RowCount))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.RowWidth))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ChunkBytes))
	for i := range h.Columns {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Columns[i].marshal())
	}
	return b
}

func (h *Header) Unmarshal(data []byte) error {
	if !isHeader(data) {
		return apierrors.ErrMalformedInput.Withf("not an array header")
	}
	*h = Header{}
	return walk(data[len(headerMagic):], func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			h.RowCount = int64(v)
		case 2:
			h.RowWidth = int(v)
		case 3:
			h.ChunkBytes = int64(v)
		case 4:
			var c Column
			if err := c.unmarshal(raw); err != nil {
				return err
			}
			h.Columns = append(h.Columns, c)
		}
		return nil
	})
}

func (c *Column) marshal() []byte {
	var b []byte
	appendVarint := func(num protowire.Number, v uint64) {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	appendFixed := func(num protowire.Number, v float64) {
		b = protowire.AppendTag(b, num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	appendVarint(2, uint64(c.Off))
	appendVarint(3, protowire.EncodeZigZag(int64(c.Size)))
	appendVarint(4, uint64(c.Encoding))
	appendVarint(5, protowire.EncodeZigZag(int64(c.Scale)))
	appendVarint(6, protowire.EncodeZigZag(c.Base))
	for _, d := range c.Domain {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, d)
	}
	appendFixed(8, c.Min)
	appendFixed(9, c.Max)
	appendFixed(10, c.Mean)
	appendFixed(11, c.Sigma)
	appendVarint(12, uint64(c.Invalid))
	return b
}

func (c *Column) unmarshal(data []byte) error {
	return walk(data, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			c.Name = string(raw)
		case 2:
			c.Off = int(v)
		case 3:
			c.Size = int(protowire.DecodeZigZag(v))
		case 4:
			c.Encoding = Encoding(v)
		case 5:
			c.Scale = int(protowire.DecodeZigZag(v))
		case 6:
			c.Base = protowire.DecodeZigZag(v)
		case 7:
			c.Domain = append(c.Domain, string(raw))
		case 8:
			c.Min = math.Float64frombits(v)
		case 9:
			c.Max = math.Float64frombits(v)
		case 10:
			c.Mean = math.Float64frombits(v)
		case 11:
			c.Sigma = math.Float64frombits(v)
		case 12:
			c.Invalid = int64(v)
		}
		return nil
	})
}

// walk visits every field; v holds varint and fixed64 values, raw holds
// bytes fields.
func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, v, raw); err != nil {
			return err
		}
	}
	return nil
}
