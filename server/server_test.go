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

package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/cloudkv/arraylet"
	"github.com/cubefs/cloudkv/cloud"
	"github.com/cubefs/cloudkv/common/kvstore"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/job"
	"github.com/cubefs/cloudkv/parse"
	"github.com/cubefs/cloudkv/persist"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/task"
	"github.com/cubefs/cloudkv/transport"
	"github.com/cubefs/cloudkv/util"
)

// sumTask adds up the big endian int64 rows of every mapped value.
type sumTask struct {
	Sum int64 `json:"sum"`
}

func (t *sumTask) Map(ctx context.Context, env task.Env, key *store.Key) error {
	v, err := env.Get(ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return apierrors.ErrNotFound.Withf("%s", key.Readable())
	}
	data := v.Bytes()
	for off := 0; off+8 <= len(data); off += 8 {
		t.Sum += int64(binary.BigEndian.Uint64(data[off:]))
	}
	return nil
}

func (t *sumTask) Reduce(other task.Task) error {
	t.Sum += other.(*sumTask).Sum
	return nil
}

func init() {
	task.Register("server.sum", func() task.Task { return &sumTask{} })
}

func testConfig() *Config {
	return &Config{CloudConfig: cloud.Config{HeartbeatIntervalMs: 20, SuspectTimeoutMs: 300}}
}

func startServer(t *testing.T, nw *transport.Network, cfg *Config) *Server {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	info := proto.NodeInfo{ID: cfg.NodeID}
	s, err := newServer(context.Background(), cfg, info, nw.Join(info))
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func startCluster(t *testing.T, n int) []*Server {
	nw := transport.NewNetwork()
	var servers []*Server
	for i := 0; i < n; i++ {
		servers = append(servers, startServer(t, nw, testConfig()))
	}
	require.Eventually(t, func() bool {
		first := servers[0].Membership().Current()
		for _, s := range servers {
			c := s.Membership().Current()
			if c.ID != first.ID || c.Idx != first.Idx || c.Size() != n || s.Membership().State() != cloud.Stable {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return servers
}

func TestServer_Cluster(t *testing.T) {
	ctx := context.Background()
	servers := startCluster(t, 3)

	key := store.NewKey("greeting")
	require.NoError(t, servers[0].KV().Put(ctx, key, store.NewValue([]byte("hello"))))
	for _, s := range servers {
		v, err := s.KV().Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), v.Bytes())
	}

	src, dst := store.NewKey("cluster.csv"), store.NewKey("cluster.hex")
	_, err := servers[1].Import(ctx, src, strings.NewReader("a,b\n1,x\n2,y\n3,x\n"), 6)
	require.NoError(t, err)
	h, err := servers[1].Parse(ctx, src, dst, parse.Options{Header: true})
	require.NoError(t, err)
	require.Equal(t, int64(3), h.RowCount)
	require.Equal(t, arraylet.EncodingByte, h.Columns[0].Encoding)
	require.Equal(t, []string{"x", "y"}, h.Columns[1].Domain)

	jobs, err := servers[2].Jobs().List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.False(t, jobs[0].Running())

	st, err := servers[2].Stats(ctx)
	require.NoError(t, err)
	require.Len(t, st.Members, 3)
	require.Equal(t, "stable", st.State)
	require.Nil(t, st.Persist)
}

// converged reports whether every server installed the same cloud of
// len(servers) members and settled on it.
func converged(servers []*Server) bool {
	first := servers[0].Membership().Current()
	for _, s := range servers {
		c := s.Membership().Current()
		if c.ID != first.ID || c.Idx != first.Idx || c.Size() != len(servers) {
			return false
		}
		want := cloud.Stable
		if len(servers) == 1 {
			want = cloud.Standalone
		}
		if s.Membership().State() != want {
			return false
		}
	}
	return true
}

func TestServer_SequentialJoin(t *testing.T) {
	ctx := context.Background()
	nw := transport.NewNetwork()

	var servers []*Server
	epochs := make(map[uint8]bool)
	for i := 0; i < 3; i++ {
		servers = append(servers, startServer(t, nw, testConfig()))
		require.Eventually(t, func() bool { return converged(servers) }, 10*time.Second, 10*time.Millisecond)
		c := servers[0].Membership().Current()
		for _, s := range servers {
			require.Equal(t, c.ID, s.Membership().Current().ID)
			require.Equal(t, c.Idx, s.Membership().Current().Idx)
			require.Equal(t, len(servers), s.Membership().Current().Size())
		}
		epochs[c.Idx] = true
	}
	// every join moved the cloud to a newer epoch
	require.Len(t, epochs, 3)

	// 9 rows of 1..9 in 3 chunks
	base := store.NewKey("nine")
	h := &arraylet.Header{RowCount: 9, RowWidth: 8, ChunkBytes: 24}
	for idx := int64(0); idx < h.Chunks(); idx++ {
		data := make([]byte, h.ChunkLen(idx))
		for i := 0; i < len(data)/8; i++ {
			binary.BigEndian.PutUint64(data[i*8:], uint64(idx*3+int64(i)+1))
		}
		require.NoError(t, servers[0].KV().Put(ctx, arraylet.ChunkKey(base, idx), store.NewValue(data)))
	}
	require.NoError(t, servers[0].KV().Put(ctx, base, h.Value()))

	for _, s := range servers {
		res, err := s.Runner().Fork(ctx, base, &sumTask{})
		require.NoError(t, err)
		require.Equal(t, int64(45), res.(*sumTask).Sum)
	}
}

func TestServer_StaleMessage(t *testing.T) {
	ctx := context.Background()
	s := startServer(t, transport.NewNetwork(), testConfig())
	cur := s.Membership().Current()

	_, err := s.handle(ctx, &proto.Envelope{Type: proto.MsgCancel, CloudID: uuid.NewString(), Epoch: cur.Idx})
	require.ErrorIs(t, err, apierrors.ErrStaleCloud)
	_, err = s.handle(ctx, &proto.Envelope{Type: proto.MsgCancel, CloudID: "garbage", Epoch: cloud.NextEpoch(cur.Idx)})
	require.ErrorIs(t, err, apierrors.ErrStaleCloud)

	// the current cloud and a cloud not installed yet are both served
	_, err = s.handle(ctx, &proto.Envelope{Type: proto.MsgCancel, CloudID: cur.ID.String(), Epoch: cur.Idx})
	require.NoError(t, err)
	_, err = s.handle(ctx, &proto.Envelope{Type: proto.MsgCancel, CloudID: uuid.NewString(), Epoch: cloud.NextEpoch(cur.Idx)})
	require.NoError(t, err)
}

func TestServer_Persistence(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	cfg := testConfig()
	cfg.PersistConfig = persist.Config{Type: persist.TypeKV, Path: path, LsmType: kvstore.BadgerLsmKVType}
	s := startServer(t, transport.NewNetwork(), cfg)
	key := store.NewKey("durable")
	require.NoError(t, s.KV().Put(ctx, key, store.NewValue([]byte("kept"))))
	require.Eventually(t, func() bool { return s.store.Persisted(key) }, 5*time.Second, 10*time.Millisecond)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Persist)
	s.Close()

	restarted := startServer(t, transport.NewNetwork(), &Config{
		NodeID:        cfg.NodeID,
		CloudConfig:   cfg.CloudConfig,
		PersistConfig: cfg.PersistConfig,
	})
	v, err := restarted.KV().Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), v.Bytes())
}

func serveHTTP(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, body))
	return w
}

func TestHttpServer(t *testing.T) {
	servers := startCluster(t, 2)
	h := NewHttpServer(servers[0]).newHandler()

	w := serveHTTP(h, http.MethodPut, "/kv?key=k1", strings.NewReader("v1"))
	require.Equal(t, http.StatusOK, w.Code)
	w = serveHTTP(NewHttpServer(servers[1]).newHandler(), http.MethodGet, "/kv?key=k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "v1", w.Body.String())

	w = serveHTTP(h, http.MethodDelete, "/kv?key=k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = serveHTTP(h, http.MethodGet, "/kv?key=k1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = serveHTTP(h, http.MethodGet, "/kv", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = serveHTTP(h, http.MethodPut, "/import?key=web.csv&chunk_bytes=8", bytes.NewBufferString("x\n1\n2\n3\n4\n"))
	require.Equal(t, http.StatusOK, w.Code)
	w = serveHTTP(h, http.MethodPost, "/parse?src=web.csv&dst=web.hex&header=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hdr arraylet.Header
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hdr))
	require.Equal(t, int64(4), hdr.RowCount)
	require.Equal(t, "x", hdr.Columns[0].Name)

	w = serveHTTP(h, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)

	w = serveHTTP(h, http.MethodGet, "/job?id="+jobs[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = serveHTTP(h, http.MethodGet, "/job?id=nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = serveHTTP(h, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Equal(t, servers[0].Self().ID, st.Node.ID)

	w = serveHTTP(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "cloud_size")
}
