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
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cubefs/cloudkv/arraylet"
	apierrors "github.com/cubefs/cloudkv/errors"
	"github.com/cubefs/cloudkv/store"
	"github.com/cubefs/cloudkv/task"
)

var ten = big.NewInt(10)

func chunk(ctx context.Context, env task.Env, base *store.Key, idx int64) ([]byte, error) {
	key := arraylet.ChunkKey(base, idx)
	v, err := env.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apierrors.ErrNotFound.Withf("%s", key.Readable())
	}
	return v.Bytes(), nil
}

// lines returns the lines that start in chunk idx of a raw array of n
// chunks. A line belongs to the chunk holding its first byte, so the last
// line may be completed from the chunks that follow.
func lines(ctx context.Context, env task.Env, base *store.Key, idx, n int64) ([]string, error) {
	data, err := chunk(ctx, env, base, idx)
	if err != nil {
		return nil, err
	}
	if idx > 0 {
		prev, err := chunk(ctx, env, base, idx-1)
		if err != nil {
			return nil, err
		}
		if len(prev) > 0 && prev[len(prev)-1] != '\n' {
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				return nil, nil
			}
			data = data[nl+1:]
		}
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append([]byte{}, data...)
		for next := idx + 1; next < n; next++ {
			more, err := chunk(ctx, env, base, next)
			if err != nil {
				return nil, err
			}
			if nl := bytes.IndexByte(more, '\n'); nl >= 0 {
				data = append(data, more[:nl]...)
				break
			}
			data = append(data, more...)
		}
	}

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func tokens(line string, sep byte) []string {
	fields := strings.Split(line, string(sep))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if len(f) >= 2 && f[0] == '"' && f[len(f)-1] == '"' {
			f = f[1 : len(f)-1]
		}
		fields[i] = f
	}
	return fields
}

// number decomposes a numeric token into mantissa * 10^exp. Mantissas
// wider than int64 lose their low digits.
func number(token string) (int64, int, bool) {
	d, err := decimal.NewFromString(token)
	if err != nil {
		return 0, 0, false
	}
	coef := d.Coefficient()
	exp := int(d.Exponent())
	for !coef.IsInt64() {
		coef.Quo(coef, ten)
		exp++
	}
	return coef.Int64(), exp, true
}
