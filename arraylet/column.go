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
	"encoding/binary"
	"math"
	"sort"
)

// Encoding is the stored representation of a column.
type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingByte
	EncodingShort
	EncodingInt
	EncodingLong
	// fixed point decimal in two bytes
	EncodingDShort
	EncodingFloat
	EncodingDouble
	// string column whose domain was too large to enumerate, stores nothing
	EncodingString
)

// byte width per encoding, negative for floating point
var encodingSizes = [...]int{0, 1, 2, 4, 8, 2, -4, -8, 0}

var encodingNames = [...]string{"none", "byte", "short", "int", "long", "dshort", "float", "double", "string"}

func (e Encoding) String() string {
	if int(e) < len(encodingNames) {
		return encodingNames[e]
	}
	return "unknown"
}

func (e Encoding) Size() int {
	if int(e) < len(encodingSizes) {
		return encodingSizes[e]
	}
	return 0
}

// Kind is what the first pass learned about a column's tokens. Kinds are
// ordered: merging keeps the larger.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEnum
	KindInt
	KindFloat
	KindDouble
)

const (
	// MaxEnumDomain is the largest dictionary kept for an enum column.
	MaxEnumDomain = 65535

	naByte  = 0xFF
	naShort = 0xFFFF
)

var (
	naInt  = int32(math.MinInt32)
	naLong = int64(math.MinInt64)
)

var powers10 = [...]float64{
	1e-10, 1e-9, 1e-8, 1e-7, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1,
	1, 1e1, 1e2, 1e3, 1e4, 1e5, 1e6, 1e7, 1e8, 1e9, 1e10,
}

var powers10i = [...]int64{
	1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000,
	10000000000, 100000000000, 1000000000000, 10000000000000, 100000000000000,
	1000000000000000, 10000000000000000, 100000000000000000, 1000000000000000000,
}

// Pow10 is 10^exp with a table for small exponents.
func Pow10(exp int) float64 {
	if exp >= -10 && exp <= 10 {
		return powers10[exp+10]
	}
	return math.Pow(10, float64(exp))
}

// Pow10i is 10^exp for 0 <= exp <= 18.
func Pow10i(exp int) int64 {
	if exp < 0 || exp >= len(powers10i) {
		return int64(math.Pow(10, float64(exp)))
	}
	return powers10i[exp]
}

// Column is the schema and statistics of one fixed width column.
type Column struct {
	Name     string
	Off      int
	Size     int
	Encoding Encoding
	// decimal exponent of the stored integer, zero or negative
	Scale   int
	Base    int64
	Domain  []string
	Min     float64
	Max     float64
	Mean    float64
	Sigma   float64
	Invalid int64
}

// ColumnStats accumulates the first pass over a column. Merge is
// associative and commutative.
type ColumnStats struct {
	Kind    Kind                `json:"kind"`
	Min     float64             `json:"min"`
	Max     float64             `json:"max"`
	Sum     float64             `json:"sum"`
	Count   int64               `json:"count"`
	Invalid int64               `json:"invalid"`
	Enums   int64               `json:"enums"`
	Scale   int                 `json:"scale"`
	Domain  map[string]struct{} `json:"domain,omitempty"`
	Killed  bool                `json:"killed"`
}

func NewColumnStats() *ColumnStats {
	return &ColumnStats{}
}

// AddNumber records number * 10^exp.
func (s *ColumnStats) AddNumber(number int64, exp int) {
	d := float64(number) * Pow10(exp)
	if d < s.Min || s.Count == 0 {
		s.Min = d
	}
	if d > s.Max || s.Count == 0 {
		s.Max = d
	}
	s.Sum += d
	s.Count++
	if exp < s.Scale {
		s.Scale = exp
	}
	kind := KindInt
	if exp < 0 {
		kind = KindFloat
		if float64(float32(d)) != d {
			kind = KindDouble
		}
	}
	if kind > s.Kind {
		s.Kind = kind
	}
}

// AddEnum records a non numeric token. It counts as invalid for numeric
// statistics.
func (s *ColumnStats) AddEnum(token string) {
	s.Invalid++
	s.Enums++
	if s.Kind == KindUnknown {
		s.Kind = KindEnum
	}
	if s.Killed {
		return
	}
	if s.Domain == nil {
		s.Domain = make(map[string]struct{})
	}
	s.Domain[token] = struct{}{}
	if len(s.Domain) > MaxEnumDomain {
		s.kill()
	}
}

func (s *ColumnStats) AddInvalid() {
	s.Invalid++
}

func (s *ColumnStats) kill() {
	s.Killed = true
	s.Domain = nil
}

func (s *ColumnStats) Merge(o *ColumnStats) {
	if o.Kind > s.Kind {
		s.Kind = o.Kind
	}
	if o.Count > 0 {
		if o.Min < s.Min || s.Count == 0 {
			s.Min = o.Min
		}
		if o.Max > s.Max || s.Count == 0 {
			s.Max = o.Max
		}
	}
	if o.Scale < s.Scale {
		s.Scale = o.Scale
	}
	s.Sum += o.Sum
	s.Count += o.Count
	s.Invalid += o.Invalid
	s.Enums += o.Enums
	if s.Killed || o.Killed {
		s.kill()
		return
	}
	for token := range o.Domain {
		if s.Domain == nil {
			s.Domain = make(map[string]struct{}, len(o.Domain))
		}
		s.Domain[token] = struct{}{}
	}
	if len(s.Domain) > MaxEnumDomain {
		s.kill()
	}
}

// SelectEncoding picks the narrowest representation covering the observed
// values.
func SelectEncoding(name string, s *ColumnStats) Column {
	col := Column{Name: name, Invalid: s.Invalid}
	if s.Count > 0 {
		col.Min, col.Max = s.Min, s.Max
		col.Mean = s.Sum / float64(s.Count)
	}

	switch s.Kind {
	case KindUnknown:
		col.Encoding = EncodingByte
	case KindEnum:
		if s.Killed {
			col.Encoding = EncodingString
			break
		}
		col.Domain = make([]string, 0, len(s.Domain))
		for token := range s.Domain {
			col.Domain = append(col.Domain, token)
		}
		sort.Strings(col.Domain)
		col.Min, col.Max = 0, float64(len(col.Domain)-1)
		col.Invalid = s.Invalid - s.Enums
		if len(col.Domain) < naByte {
			col.Encoding = EncodingByte
		} else {
			col.Encoding = EncodingShort
		}
	case KindInt:
		rng := s.Max - s.Min
		col.Base = int64(s.Min)
		switch {
		case rng < naByte:
			col.Encoding = EncodingByte
		case rng < naShort:
			col.Encoding = EncodingShort
		case rng < math.MaxInt32:
			col.Encoding = EncodingInt
		default:
			col.Encoding = EncodingLong
			col.Base = 0
		}
	case KindFloat, KindDouble:
		scale := Pow10(-s.Scale)
		if scale*(s.Max-s.Min) < naShort {
			col.Encoding = EncodingDShort
			col.Scale = s.Scale
			col.Base = int64(math.Round(scale * s.Min))
		} else if s.Kind == KindFloat {
			col.Encoding = EncodingFloat
		} else {
			col.Encoding = EncodingDouble
		}
	}
	col.Size = col.Encoding.Size()
	return col
}

// Layout assigns offsets in column order and returns the row width.
func Layout(cols []Column) int {
	off := 0
	for i := range cols {
		cols[i].Off = off
		off += abs(cols[i].Size)
	}
	return off
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// EncodeNumber stores number * 10^exp into dst, a row slice starting at the
// column offset.
func (c *Column) EncodeNumber(dst []byte, number int64, exp int) {
	switch c.Encoding {
	case EncodingByte:
		dst[0] = byte(c.scaled(number, exp) - c.Base)
	case EncodingShort, EncodingDShort:
		binary.LittleEndian.PutUint16(dst, uint16(c.scaled(number, exp)-c.Base))
	case EncodingInt:
		binary.LittleEndian.PutUint32(dst, uint32(int32(c.scaled(number, exp)-c.Base)))
	case EncodingLong:
		binary.LittleEndian.PutUint64(dst, uint64(c.scaled(number, exp)-c.Base))
	case EncodingFloat:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(float64(number)*Pow10(exp))))
	case EncodingDouble:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(float64(number)*Pow10(exp)))
	}
}

// scaled is number * 10^exp expressed in units of 10^Scale.
func (c *Column) scaled(number int64, exp int) int64 {
	return number * Pow10i(exp-c.Scale)
}

// EncodeEnum stores the dictionary index of token, NA if unknown.
func (c *Column) EncodeEnum(dst []byte, token string) {
	i := sort.SearchStrings(c.Domain, token)
	if i >= len(c.Domain) || c.Domain[i] != token {
		c.EncodeNA(dst)
		return
	}
	switch c.Encoding {
	case EncodingByte:
		dst[0] = byte(i)
	case EncodingShort:
		binary.LittleEndian.PutUint16(dst, uint16(i))
	}
}

// EncodeNA writes the missing value pattern of the column width.
func (c *Column) EncodeNA(dst []byte) {
	switch c.Encoding {
	case EncodingByte:
		dst[0] = naByte
	case EncodingShort, EncodingDShort:
		binary.LittleEndian.PutUint16(dst, naShort)
	case EncodingInt:
		binary.LittleEndian.PutUint32(dst, uint32(naInt))
	case EncodingLong:
		binary.LittleEndian.PutUint64(dst, uint64(naLong))
	case EncodingFloat:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(math.NaN())))
	case EncodingDouble:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(math.NaN()))
	}
}

// Decode reads the column value at src: (raw + base) * 10^scale. ok is
// false for the missing value pattern.
func (c *Column) Decode(src []byte) (v float64, ok bool) {
	var raw int64
	switch c.Encoding {
	case EncodingByte:
		if src[0] == naByte {
			return 0, false
		}
		raw = int64(src[0])
	case EncodingShort, EncodingDShort:
		u := binary.LittleEndian.Uint16(src)
		if u == naShort {
			return 0, false
		}
		raw = int64(u)
	case EncodingInt:
		i := int32(binary.LittleEndian.Uint32(src))
		if i == naInt {
			return 0, false
		}
		raw = int64(i)
	case EncodingLong:
		i := int64(binary.LittleEndian.Uint64(src))
		if i == naLong {
			return 0, false
		}
		raw = i
	case EncodingFloat:
		f := math.Float32frombits(binary.LittleEndian.Uint32(src))
		return float64(f), !math.IsNaN(float64(f))
	case EncodingDouble:
		f := math.Float64frombits(binary.LittleEndian.Uint64(src))
		return f, !math.IsNaN(f)
	default:
		return 0, false
	}
	if c.Domain != nil {
		return float64(raw), true
	}
	return float64(raw+c.Base) * Pow10(c.Scale), true
}

// DecodeEnum reads the token of an enum column.
func (c *Column) DecodeEnum(src []byte) (string, bool) {
	v, ok := c.Decode(src)
	if !ok || c.Domain == nil || int(v) >= len(c.Domain) {
		return "", false
	}
	return c.Domain[int(v)], true
}
