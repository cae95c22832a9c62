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
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/cloudkv/arraylet"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/job"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/task"
	"github.com/cubefs/cloudkv/util"
)

const defaultSeparator = ','

func init() {
	task.Register("parse.stats", func() task.Task { return &statsTask{} })
	task.Register("parse.encode", func() task.Task { return &encodeTask{} })
}

type Options struct {
	Separator byte
	// Header treats the first line as column names.
	Header bool
	// ChunkBytes of the result array, arraylet.DefaultChunkBytes if zero.
	ChunkBytes int64
	// Jobs, when set, records the parse as a job that can be cancelled
	// between the passes.
	Jobs *job.Registry
}

// source is the part of both passes that locates the raw lines.
type source struct {
	Source []byte `json:"source"`
	Chunks int64  `json:"chunks"`
	Sep    byte   `json:"sep"`
	Header bool   `json:"header"`
}

func (s *source) lines(ctx context.Context, env task.Env, key *store.Key) (int64, []string, error) {
	base, err := store.KeyFromBytes(s.Source)
	if err != nil {
		return 0, nil, err
	}
	_, idx, ok := arraylet.ParseChunkKey(key)
	if !ok {
		return 0, nil, apierrors.ErrInvalidKey.Withf("%s is not a chunk", key.Readable())
	}
	ls, err := lines(ctx, env, base, idx, s.Chunks)
	return idx, ls, err
}

// statsTask is the first pass: row counts per chunk and column statistics.
type statsTask struct {
	source

	Names []string                `json:"names,omitempty"`
	Cols  []*arraylet.ColumnStats `json:"cols,omitempty"`
	Rows  map[int64]int64         `json:"rows,omitempty"`
}

func (t *statsTask) Map(ctx context.Context, env task.Env, key *store.Key) error {
	idx, ls, err := t.lines(ctx, env, key)
	if err != nil {
		return err
	}
	if idx == 0 && t.Header && len(ls) > 0 {
		t.Names = tokens(ls[0], t.Sep)
		ls = ls[1:]
	}
	for _, line := range ls {
		toks := tokens(line, t.Sep)
		t.grow(len(toks))
		for c, tok := range toks {
			switch n, exp, ok := number(tok); {
			case tok == "":
				t.Cols[c].AddInvalid()
			case ok:
				t.Cols[c].AddNumber(n, exp)
			default:
				t.Cols[c].AddEnum(tok)
			}
		}
	}
	t.Rows = map[int64]int64{idx: int64(len(ls))}
	return nil
}

func (t *statsTask) grow(n int) {
	for len(t.Cols) < n {
		t.Cols = append(t.Cols, arraylet.NewColumnStats())
	}
}

func (t *statsTask) Reduce(other task.Task) error {
	o := other.(*statsTask)
	if o.Names != nil {
		t.Names = o.Names
	}
	t.grow(len(o.Cols))
	for c, s := range o.Cols {
		t.Cols[c].Merge(s)
	}
	if t.Rows == nil {
		t.Rows = make(map[int64]int64, len(o.Rows))
	}
	for idx, n := range o.Rows {
		t.Rows[idx] = n
	}
	return nil
}

// encodeTask is the second pass: rows encoded into the result chunks,
// plus the squared deviations needed for sigma.
type encodeTask struct {
	source

	Result []byte           `json:"result"`
	Layout *arraylet.Header `json:"layout"`
	Starts map[int64]int64  `json:"starts"`

	SqDev []float64 `json:"sq_dev,omitempty"`
	Valid []int64   `json:"valid,omitempty"`
}

func (t *encodeTask) Map(ctx context.Context, env task.Env, key *store.Key) error {
	idx, ls, err := t.lines(ctx, env, key)
	if err != nil {
		return err
	}
	if idx == 0 && t.Header && len(ls) > 0 {
		ls = ls[1:]
	}
	result, err := store.KeyFromBytes(t.Result)
	if err != nil {
		return err
	}
	h := t.Layout
	width := int64(h.RowWidth)
	t.SqDev = make([]float64, len(h.Columns))
	t.Valid = make([]int64, len(h.Columns))

	// rows of one source chunk are consecutive, so each result chunk gets
	// a single contiguous run
	var (
		run    []byte
		runIdx = int64(-1)
		runOff int64
	)
	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		ck := arraylet.ChunkKey(result, runIdx)
		size := h.ChunkLen(runIdx)
		off, data := runOff, run
		_, err := env.Atomic(ctx, ck, func(old *store.Value) (*store.Value, error) {
			buf := make([]byte, size)
			if old != nil {
				copy(buf, old.Bytes())
			}
			copy(buf[off:], data)
			return store.NewValue(buf), nil
		})
		run = nil
		return err
	}

	row := make([]byte, width)
	for j, line := range ls {
		off := (t.Starts[idx] + int64(j)) * width
		if ci := h.ChunkIndexOf(off); ci != runIdx {
			if err = flush(); err != nil {
				return err
			}
			runIdx, runOff = ci, off-h.ChunkOffset(ci)
		}
		t.encodeRow(row, tokens(line, t.Sep))
		run = append(run, row...)
	}
	return flush()
}

func (t *encodeTask) encodeRow(row []byte, toks []string) {
	for c := range t.Layout.Columns {
		col := &t.Layout.Columns[c]
		if col.Size == 0 {
			continue
		}
		dst := row[col.Off:]
		tok := ""
		if c < len(toks) {
			tok = toks[c]
		}
		if col.Domain != nil {
			col.EncodeEnum(dst, tok)
			continue
		}
		n, exp, ok := number(tok)
		if !ok {
			col.EncodeNA(dst)
			continue
		}
		col.EncodeNumber(dst, n, exp)
		d := float64(n)*arraylet.Pow10(exp) - col.Mean
		t.SqDev[c] += d * d
		t.Valid[c]++
	}
}

func (t *encodeTask) Reduce(other task.Task) error {
	o := other.(*encodeTask)
	if t.SqDev == nil {
		t.SqDev = make([]float64, len(o.SqDev))
		t.Valid = make([]int64, len(o.Valid))
	}
	for c := range o.SqDev {
		t.SqDev[c] += o.SqDev[c]
		t.Valid[c] += o.Valid[c]
	}
	return nil
}

// Parse scans the raw array at src into a columnar array at dst and
// returns its header. The first pass learns the columns, the second
// encodes every row.
func Parse(ctx context.Context, runner *task.Runner, env task.Env, src, dst *store.Key, opts Options) (h *arraylet.Header, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if opts.Separator == 0 {
		opts.Separator = defaultSeparator
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = arraylet.DefaultChunkBytes
	}
	if opts.Jobs != nil {
		j, jerr := opts.Jobs.Start(ctx, fmt.Sprintf("parse %s into %s", src.Readable(), dst.Readable()))
		if jerr != nil {
			return nil, jerr
		}
		defer func() {
			if ferr := opts.Jobs.Finish(ctx, j.ID, err); ferr != nil {
				span.Warnf("finish job %s failed: %s", j.ID, ferr)
			}
		}()
		ctx = withJob(ctx, j.ID)
	}

	v, err := env.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apierrors.ErrNotFound.Withf("%s", src.Readable())
	}
	raw, err := arraylet.HeaderOf(v)
	if err != nil {
		return nil, err
	}
	in := source{Source: src.Bytes(), Chunks: raw.Chunks(), Sep: opts.Separator, Header: opts.Header}

	res, err := runner.Fork(ctx, src, &statsTask{source: in})
	if err != nil {
		return nil, err
	}
	stats := res.(*statsTask)
	if err = checkCancelled(ctx, opts.Jobs); err != nil {
		return nil, err
	}

	starts := make(map[int64]int64, len(stats.Rows))
	var total int64
	for idx := int64(0); idx < in.Chunks; idx++ {
		starts[idx] = total
		total += stats.Rows[idx]
	}
	cols := make([]arraylet.Column, 0, len(stats.Cols))
	for c, s := range stats.Cols {
		name := fmt.Sprintf("C%d", c+1)
		if c < len(stats.Names) && stats.Names[c] != "" {
			name = stats.Names[c]
		}
		// short rows leave trailing columns missing
		s.Invalid += total - s.Count - s.Invalid
		cols = append(cols, arraylet.SelectEncoding(name, s))
	}
	width := arraylet.Layout(cols)
	if width == 0 {
		return nil, apierrors.ErrMalformedInput.Withf("%s has no storable column", src.Readable())
	}
	h = &arraylet.Header{RowCount: total, RowWidth: width, ChunkBytes: opts.ChunkBytes, Columns: cols}
	span.Infof("parse %s: %d rows, %d columns, row width %d", src.Readable(), total, len(cols), width)

	res, err = runner.InvokeOnKeys(ctx, arraylet.ChunkKeys(src, raw), &encodeTask{
		source: in,
		Result: dst.Bytes(),
		Layout: h,
		Starts: starts,
	})
	if err != nil {
		return nil, err
	}
	enc := res.(*encodeTask)
	for c := range h.Columns {
		if c < len(enc.Valid) && enc.Valid[c] > 1 {
			h.Columns[c].Sigma = math.Sqrt(enc.SqDev[c] / float64(enc.Valid[c]-1))
		}
	}
	if err = checkCancelled(ctx, opts.Jobs); err != nil {
		return nil, err
	}
	if err = env.Put(ctx, dst, h.Value()); err != nil {
		return nil, err
	}
	return h, nil
}

type jobKey struct{}

func withJob(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

func checkCancelled(ctx context.Context, jobs *job.Registry) error {
	id, _ := ctx.Value(jobKey{}).(string)
	if jobs == nil || id == "" {
		return nil
	}
	cancelled, err := jobs.Cancelled(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		return apierrors.ErrTaskCancelled
	}
	return nil
}

// Import stores the bytes of r as a raw array at key, chunkBytes per chunk.
func Import(ctx context.Context, env task.Env, key *store.Key, r io.Reader, chunkBytes int64) (*arraylet.Header, error) {
	if chunkBytes <= 0 {
		chunkBytes = arraylet.DefaultChunkBytes
	}
	h := &arraylet.Header{RowWidth: 1, ChunkBytes: chunkBytes}
	tr := &util.TimeReader{R: r}
	buf := util.GetBuffer(int(chunkBytes))
	defer util.PutBuffer(buf)
	for idx := int64(0); ; idx++ {
		n, err := io.ReadFull(tr, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if perr := env.Put(ctx, arraylet.ChunkKey(key, idx), store.NewValue(data)); perr != nil {
				return nil, perr
			}
			h.RowCount += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if err := env.Put(ctx, key, h.Value()); err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("import %s: %d bytes in %d chunks, read cost %s",
		key.Readable(), tr.Bytes(), h.Chunks(), tr.GetCost())
	return h, nil
}
