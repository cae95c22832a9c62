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

package cloud

import (
	"sort"

	"github.com/google/uuid"

	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
)

const (
	// EpochWindow bounds how far ahead an epoch may be and still count as
	// newer. Anything further is treated as old. With 255 usable epochs this
	// leaves the older three quarters of the ring recognizable as superseded.
	EpochWindow = 64

	// InvalidNode is returned by D for a replica beyond the cloud size.
	InvalidNode = -1
)

// Larger reports whether epoch nnn is newer than old under modular
// arithmetic.
func Larger(nnn, old uint8) bool {
	d := nnn - old
	return d != 0 && d < EpochWindow
}

// NextEpoch advances an epoch, wrapping 255 to 1. Zero is never a valid
// epoch.
func NextEpoch(idx uint8) uint8 {
	idx++
	if idx == 0 {
		idx = 1
	}
	return idx
}

// Cloud is an immutable membership snapshot. Members are deduplicated and
// sorted by node id so every node computes the same placement.
type Cloud struct {
	ID      uuid.UUID
	Idx     uint8
	Members []proto.NodeInfo

	index map[string]int
}

func New(id uuid.UUID, idx uint8, members []proto.NodeInfo) *Cloud {
	sorted := make([]proto.NodeInfo, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, ok := seen[m.ID]; ok || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c := &Cloud{ID: id, Idx: idx, Members: sorted, index: make(map[string]int, len(sorted))}
	for i, m := range sorted {
		c.index[m.ID] = i
	}
	return c
}

func (c *Cloud) Size() int {
	return len(c.Members)
}

// IndexOf returns the member index of node id, -1 if absent.
func (c *Cloud) IndexOf(id string) int {
	if i, ok := c.index[id]; ok {
		return i
	}
	return -1
}

func (c *Cloud) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

func (c *Cloud) Member(i int) proto.NodeInfo {
	return c.Members[i]
}

// D places replica r of key: (hash + r) mod size. A key pinned to a home
// node that is a member starts its replica chain there.
func (c *Cloud) D(key *store.Key, replica int) int {
	size := len(c.Members)
	if replica < 0 || replica >= size {
		return InvalidNode
	}
	base := int(key.Hash() & 0x7FFFFFFF)
	if home, ok := key.Home(); ok {
		if i, ok := c.index[home.String()]; ok {
			base = i
		}
	}
	return (base + replica) % size
}

// Replicas returns the member indices of the first n replicas of key,
// clamped to the cloud size.
func (c *Cloud) Replicas(key *store.Key, n int) []int {
	if n > len(c.Members) {
		n = len(c.Members)
	}
	out := make([]int, 0, n)
	for r := 0; r < n; r++ {
		out = append(out, c.D(key, r))
	}
	return out
}

// SameMembers reports whether ids is exactly the member set.
func (c *Cloud) SameMembers(ids map[string]proto.NodeInfo) bool {
	if len(ids) != len(c.Members) {
		return false
	}
	for id := range ids {
		if !c.Contains(id) {
			return false
		}
	}
	return true
}
