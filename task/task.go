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

package task

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/store"
)

type (
	// Task is a unit of distributed computation. The exported fields of a
	// task travel as JSON: they hold the parameters on the way down and the
	// accumulated result on the way up.
	//
	// Map is called once per key on a fresh copy of the forked task and
	// accumulates into its receiver. Reduce folds other, a task of the same
	// type, into the receiver and must be associative and commutative.
	Task interface {
		Map(ctx context.Context, env Env, key *store.Key) error
		Reduce(other Task) error
	}
	Factory func() Task

	// Env is the key value space seen by a map invocation.
	Env interface {
		Get(ctx context.Context, key *store.Key) (*store.Value, error)
		Put(ctx context.Context, key *store.Key, val *store.Value) error
		Atomic(ctx context.Context, key *store.Key, f store.TransformFunc) (*store.Value, error)
	}
)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
	names     map[reflect.Type]string
}{
	factories: make(map[string]Factory),
	names:     make(map[reflect.Type]string),
}

// Register makes the task built by factory runnable under name on every
// node of the process. Registering a name twice panics.
func Register(name string, factory Factory) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.factories[name]; ok {
		panic("task: duplicate registration of " + name)
	}
	registry.factories[name] = factory
	registry.names[reflect.TypeOf(factory())] = name
}

func nameOf(t Task) (string, error) {
	registry.RLock()
	name, ok := registry.names[reflect.TypeOf(t)]
	registry.RUnlock()
	if !ok {
		return "", apierrors.ErrNoSuchTask.Withf("%T", t)
	}
	return name, nil
}

func newTask(name string, state []byte) (Task, error) {
	registry.RLock()
	factory, ok := registry.factories[name]
	registry.RUnlock()
	if !ok {
		return nil, apierrors.ErrNoSuchTask.Withf("%s", name)
	}
	t := factory()
	if len(state) > 0 {
		if err := json.Unmarshal(state, t); err != nil {
			return nil, apierrors.ErrInvalidMessage.Withf("task %s state: %s", name, err)
		}
	}
	return t, nil
}

func marshalTask(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, apierrors.ErrInvalidMessage.Withf("task state: %s", err)
	}
	return data, nil
}
