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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubefs/cloudkv/proto"
)

// peer is what this node last heard from another node.
type peer struct {
	info    proto.NodeInfo
	cloudID uuid.UUID
	epoch   uint8
	expires time.Time
	lock    sync.RWMutex
}

func (p *peer) handleHeartbeat(info proto.NodeInfo, cloudID uuid.UUID, epoch uint8, timeout time.Duration) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.info = info
	p.cloudID = cloudID
	p.epoch = epoch
	p.expires = time.Now().Add(timeout)
}

func (p *peer) touch(timeout time.Duration) {
	p.lock.Lock()
	p.expires = time.Now().Add(timeout)
	p.lock.Unlock()
}

func (p *peer) isExpire() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.expires.IsZero() {
		return false
	}
	return time.Since(p.expires) > 0
}

func (p *peer) snapshot() (proto.NodeInfo, uuid.UUID, uint8) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.info, p.cloudID, p.epoch
}
