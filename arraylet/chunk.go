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

	"github.com/google/uuid"

	"github.com/cubefs/cloudkv/store"
)

const chunkIndexLen = 8

// ChunkKey addresses chunk idx of the array stored at base. The payload is
// the big endian index followed by the base key bytes, so the mapping is
// reversible without any lookup.
func ChunkKey(base *store.Key, idx int64) *store.Key {
	raw := base.Bytes()
	payload := make([]byte, chunkIndexLen+len(raw))
	binary.BigEndian.PutUint64(payload, uint64(idx))
	copy(payload[chunkIndexLen:], raw)
	return store.NewRawKey(store.KeyTypeArraylet, uint8(base.DesiredReplicas()), uuid.Nil, payload)
}

// ParseChunkKey recovers the base key and index of a chunk key.
func ParseChunkKey(key *store.Key) (*store.Key, int64, bool) {
	if key.Type() != store.KeyTypeArraylet {
		return nil, 0, false
	}
	payload := key.Payload()
	if len(payload) <= chunkIndexLen {
		return nil, 0, false
	}
	base, err := store.KeyFromBytes(payload[chunkIndexLen:])
	if err != nil {
		return nil, 0, false
	}
	return base, int64(binary.BigEndian.Uint64(payload)), true
}

// ChunkKeys lists every chunk key of the array described by h.
func ChunkKeys(base *store.Key, h *Header) []*store.Key {
	n := h.Chunks()
	keys := make([]*store.Key, 0, n)
	for i := int64(0); i < n; i++ {
		keys = append(keys, ChunkKey(base, i))
	}
	return keys
}
