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
	"sync/atomic"

	"github.com/google/uuid"
)

// History retains the last 256 clouds indexed by epoch.
type History struct {
	ring [256]atomic.Pointer[Cloud]
}

func (h *History) Put(c *Cloud) {
	h.ring[c.Idx].Store(c)
}

func (h *History) Get(idx uint8) *Cloud {
	return h.ring[idx].Load()
}

// Contains reports whether the cloud (id, idx) is still retained.
func (h *History) Contains(id uuid.UUID, idx uint8) bool {
	c := h.ring[idx].Load()
	return c != nil && c.ID == id
}
