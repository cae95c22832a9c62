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

package persist

import (
	"context"
	"errors"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/cloudkv/common/kvstore"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/util/limiter"
)

const (
	TypeNone = "none"
	TypeKV   = "kv"

	valueCF = kvstore.CF("values")
)

type Config struct {
	Type     string              `json:"type"`
	Path     string              `json:"path"`
	LsmType  kvstore.LsmKVType   `json:"lsm_type"`
	KVOption kvstore.Option      `json:"kv_option"`
	Limit    limiter.LimitConfig `json:"limit"`
}

// Engine loads and stores raw value bytes keyed by raw key bytes.
type Engine interface {
	Load(ctx context.Context, key []byte) ([]byte, error)
	Store(ctx context.Context, key []byte, data []byte) error
	Delete(ctx context.Context, key []byte) error
	Iterate(ctx context.Context, fn func(key, data []byte) error) error
	Stats(ctx context.Context) (kvstore.Stats, error)
	Close()
}

// NewEngine returns nil for the none type: the store keeps values in
// memory only.
func NewEngine(ctx context.Context, cfg *Config) (Engine, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeKV:
		e, err := NewKVEngine(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, errors.New("unknown persistence engine type: " + cfg.Type)
	}
}

// KVEngine persists values in a kvstore column family.
type KVEngine struct {
	kv      kvstore.Store
	limiter limiter.Limiter
}

func NewKVEngine(ctx context.Context, cfg *Config) (*KVEngine, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.LsmType == "" {
		cfg.LsmType = kvstore.BadgerLsmKVType
	}
	cfg.KVOption.CreateIfMissing = true
	hasCF := false
	for _, cf := range cfg.KVOption.ColumnFamily {
		hasCF = hasCF || cf == valueCF
	}
	if !hasCF {
		cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, valueCF)
	}

	kv, err := kvstore.NewKVStore(ctx, cfg.Path, cfg.LsmType, &cfg.KVOption)
	if err != nil {
		span.Errorf("open %s kv store at %s failed: %s", cfg.LsmType, cfg.Path, err)
		return nil, err
	}
	return &KVEngine{kv: kv, limiter: limiter.NewLimiter(cfg.Limit)}, nil
}

func (e *KVEngine) Load(ctx context.Context, key []byte) ([]byte, error) {
	if err := e.limiter.AcquireRead(); err != nil {
		return nil, err
	}
	defer e.limiter.ReleaseRead()

	data, err := e.kv.GetRaw(ctx, valueCF, key)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err = e.limiter.WaitRead(ctx, len(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func (e *KVEngine) Store(ctx context.Context, key []byte, data []byte) error {
	if err := e.limiter.WaitWrite(ctx, len(key)+len(data)); err != nil {
		return err
	}
	return e.kv.SetRaw(ctx, valueCF, key, data)
}

func (e *KVEngine) Delete(ctx context.Context, key []byte) error {
	return e.kv.Delete(ctx, valueCF, key)
}

func (e *KVEngine) Iterate(ctx context.Context, fn func(key, data []byte) error) error {
	lr := e.kv.List(ctx, valueCF, nil, nil)
	defer lr.Close()
	for {
		key, data, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		if err = fn(key, data); err != nil {
			return err
		}
	}
}

func (e *KVEngine) Stats(ctx context.Context) (kvstore.Stats, error) {
	return e.kv.Stats(ctx)
}

func (e *KVEngine) Close() {
	e.kv.Close()
}
