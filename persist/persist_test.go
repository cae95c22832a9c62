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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/cloudkv/common/kvstore"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/util"
)

func TestNewEngine(t *testing.T) {
	ctx := context.TODO()
	e, err := NewEngine(ctx, &Config{Type: TypeNone})
	require.NoError(t, err)
	require.Nil(t, e)

	_, err = NewEngine(ctx, &Config{Type: "tape"})
	require.Error(t, err)
}

func TestKVEngine_StoreRoundTrip(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	cfg := &Config{Type: TypeKV, Path: path, LsmType: kvstore.BadgerLsmKVType}
	e, err := NewEngine(ctx, cfg)
	require.NoError(t, err)

	s := store.NewStore(&store.Config{}, e)
	keys := []*store.Key{store.NewKey("a"), store.NewKey("b"), store.BuiltInKey("jobs")}
	for _, k := range keys {
		require.Nil(t, s.PutIfMatch(k, store.NewValue([]byte("value of "+k.Readable())), nil))
	}
	require.Eventually(t, func() bool {
		for _, k := range keys {
			if !s.Persisted(k) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	_, err = e.Load(ctx, store.NewKey("absent").Bytes())
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	e.Close()

	// a restarted node sees sentinels and loads lazily
	e, err = NewEngine(ctx, cfg)
	require.NoError(t, err)
	defer e.Close()
	restarted := store.NewStore(&store.Config{}, e)
	n, err := restarted.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, len(keys), n)
	for _, k := range keys {
		require.Equal(t, store.KindSentinel, restarted.RawGet(k).Kind())
		v, err := restarted.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, []byte("value of "+k.Readable()), v.Bytes())
	}
	st, err := e.Stats(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.Used, uint64(0))
}
