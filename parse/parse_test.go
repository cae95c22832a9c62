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

package parse

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/cloudkv/arraylet"
	"github.com/cubefs/cloudkv/cloud"
	"github.com/cubefs/cloudkv/dkv"
	"github.com/cubefs/cloudkv/job"
	"github.com/cubefs/cloudkv/proto"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/task"
	"github.com/cubefs/cloudkv/transport"
)

type staticView struct {
	self proto.NodeInfo
	c    *cloud.Cloud
}

func (v *staticView) Self() proto.NodeInfo  { return v.self }
func (v *staticView) Current() *cloud.Cloud { return v.c }

type node struct {
	kv     *dkv.DKV
	runner *task.Runner
	jobs   *job.Registry
}

func newNodes(t *testing.T, n int) []*node {
	nw := transport.NewNetwork()
	infos := make([]proto.NodeInfo, n)
	for i := range infos {
		infos[i] = proto.NodeInfo{ID: uuid.New().String()}
	}
	c := cloud.New(uuid.New(), 1, infos)
	var nodes []*node
	for _, info := range c.Members {
		tr := nw.Join(info)
		view := &staticView{self: info, c: c}
		d, err := dkv.New(dkv.Config{}, view, store.NewStore(&store.Config{}, nil), tr)
		require.NoError(t, err)
		r := task.NewRunner(task.Config{PoolSize: 4}, view, d, tr)
		t.Cleanup(r.Close)
		tr.SetHandler(func(ctx context.Context, req *proto.Envelope) (*proto.Envelope, error) {
			if req.Type == proto.MsgFork || req.Type == proto.MsgCancel {
				return r.Handle(ctx, req)
			}
			return d.Handle(ctx, req)
		})
		nodes = append(nodes, &node{kv: d, runner: r, jobs: job.NewRegistry(d, info.ID)})
	}
	return nodes
}

func TestLines(t *testing.T) {
	ctx := context.Background()
	nodes := newNodes(t, 3)
	env := nodes[0].kv

	cases := []struct {
		text       string
		chunkBytes int64
		want       [][]string
	}{
		{"ab\ncd\nef", 4, [][]string{{"ab", "cd"}, {"ef"}}},
		{"abc\nde\n", 4, [][]string{{"abc"}, {"de"}}},
		{"abcdefghij\nk", 3, [][]string{{"abcdefghij"}, nil, nil, {"k"}}},
		{"a\r\n\n\nb\n", 2, [][]string{{"a"}, nil, {"b"}, nil}},
	}
	for i, c := range cases {
		key := store.NewKey(fmt.Sprintf("lines-%d", i))
		h, err := Import(ctx, env, key, strings.NewReader(c.text), c.chunkBytes)
		require.NoError(t, err)
		require.Equal(t, int64(len(c.text)), h.RowCount)
		require.Equal(t, int64(len(c.want)), h.Chunks())
		for idx := int64(0); idx < h.Chunks(); idx++ {
			got, err := lines(ctx, env, key, idx, h.Chunks())
			require.NoError(t, err)
			require.Equal(t, c.want[idx], got, "case %d chunk %d", i, idx)
		}
	}
}

func TestNumber(t *testing.T) {
	cases := []struct {
		token string
		n     int64
		exp   int
		ok    bool
	}{
		{"1.50", 150, -2, true},
		{"-3", -3, 0, true},
		{"1e3", 1, 3, true},
		{"0.001", 1, -3, true},
		{"red", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, c := range cases {
		n, exp, ok := number(c.token)
		require.Equal(t, c.ok, ok, c.token)
		if ok {
			require.Equal(t, c.n, n, c.token)
			require.Equal(t, c.exp, exp, c.token)
		}
	}

	n, exp, ok := number("123456789012345678901234")
	require.True(t, ok)
	require.InEpsilon(t, 1.23456789012345678901234e23, float64(n)*math.Pow(10, float64(exp)), 1e-9)

	require.Equal(t, []string{"a", "b c", "", "d"}, tokens(` a ,"b c",, d`, ','))
}

var colors = []string{"red", "green", "blue"}

func dataset(rows int) string {
	var b bytes.Buffer
	b.WriteString("id,score,color,note\n")
	for i := 1; i <= rows; i++ {
		score := fmt.Sprintf("%d.%02d", i/4, (i%4)*25)
		if i%7 == 0 {
			score = ""
		}
		fmt.Fprintf(&b, "%d,%s,%s,n%d\n", i, score, colors[i%3], i)
	}
	return b.String()
}

func TestParse(t *testing.T) {
	ctx := context.Background()
	nodes := newNodes(t, 3)
	src, dst := store.NewKey("data.csv"), store.NewKey("data.hex")

	const rows = 50
	_, err := Import(ctx, nodes[1].kv, src, strings.NewReader(dataset(rows)), 64)
	require.NoError(t, err)

	h, err := Parse(ctx, nodes[0].runner, nodes[0].kv, src, dst, Options{Header: true, ChunkBytes: 40, Jobs: nodes[0].jobs})
	require.NoError(t, err)
	require.Equal(t, int64(rows), h.RowCount)
	require.Len(t, h.Columns, 4)
	require.Equal(t, 5, h.RowWidth)
	require.Greater(t, h.Chunks(), int64(1))

	id, score, color, note := h.Columns[0], h.Columns[1], h.Columns[2], h.Columns[3]
	require.Equal(t, "id", id.Name)
	require.Equal(t, arraylet.EncodingByte, id.Encoding)
	require.Equal(t, 25.5, id.Mean)
	require.InDelta(t, math.Sqrt(212.5), id.Sigma, 1e-9)
	require.Equal(t, arraylet.EncodingDShort, score.Encoding)
	require.Equal(t, int64(rows/7), score.Invalid)
	require.Equal(t, []string{"blue", "green", "red"}, color.Domain)
	require.Equal(t, int64(0), color.Invalid)
	require.Equal(t, arraylet.EncodingByte, note.Encoding)
	require.Len(t, note.Domain, rows)

	// the stored header matches and every row decodes back
	v, err := nodes[2].kv.Get(ctx, dst)
	require.NoError(t, err)
	stored, err := arraylet.HeaderOf(v)
	require.NoError(t, err)
	require.Equal(t, *h, *stored)

	var data []byte
	for idx := int64(0); idx < h.Chunks(); idx++ {
		v, err := nodes[2].kv.Get(ctx, arraylet.ChunkKey(dst, idx))
		require.NoError(t, err)
		require.Equal(t, h.ChunkLen(idx), int64(v.Size()))
		data = append(data, v.Bytes()...)
	}
	for i := 1; i <= rows; i++ {
		row := data[(i-1)*h.RowWidth:]
		got, ok := id.Decode(row[id.Off:])
		require.True(t, ok)
		require.Equal(t, float64(i), got)

		got, ok = score.Decode(row[score.Off:])
		if i%7 == 0 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.InDelta(t, float64(i/4)+float64(i%4)*0.25, got, 1e-9)
		}

		token, ok := color.DecodeEnum(row[color.Off:])
		require.True(t, ok)
		require.Equal(t, colors[i%3], token)
		token, ok = note.DecodeEnum(row[note.Off:])
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("n%d", i), token)
	}

	jobs, err := nodes[1].jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.False(t, jobs[0].Running())
	require.Empty(t, jobs[0].Err)
}

func TestParse_NoHeader(t *testing.T) {
	ctx := context.Background()
	nodes := newNodes(t, 2)
	src, dst := store.NewKey("plain.csv"), store.NewKey("plain.hex")

	_, err := Import(ctx, nodes[0].kv, src, strings.NewReader("1,2\n3\n5,6,7\n"), 5)
	require.NoError(t, err)
	h, err := Parse(ctx, nodes[1].runner, nodes[1].kv, src, dst, Options{})
	require.NoError(t, err)
	require.Equal(t, int64(3), h.RowCount)
	require.Len(t, h.Columns, 3)
	require.Equal(t, "C1", h.Columns[0].Name)
	require.Equal(t, int64(1), h.Columns[1].Invalid)
	require.Equal(t, int64(2), h.Columns[2].Invalid)

	_, err = Parse(ctx, nodes[1].runner, nodes[1].kv, store.NewKey("missing"), dst, Options{})
	require.Error(t, err)
}
