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

package util

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	require.NotEqual(t, "", path)
	defer os.RemoveAll(path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestJoinHostPort(t *testing.T) {
	require.Equal(t, "127.0.0.1:9500", JoinHostPort("127.0.0.1", 9500))
	require.Equal(t, ":80", JoinHostPort("", 80))
}

func TestBuffer(t *testing.T) {
	b := GetBuffer(1 << 10)
	require.Equal(t, 1<<10, len(b))
	b[0] = 1
	PutBuffer(b)

	b = GetBuffer(1 << 10)
	require.Equal(t, 1<<10, len(b))
	require.Equal(t, byte(0), b[0])
	PutBuffer(b)
}

func TestTimeReader(t *testing.T) {
	tr := &TimeReader{R: strings.NewReader("hello world")}
	require.Equal(t, float64(0), tr.Rate())
	data, err := io.ReadAll(tr)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.Equal(t, int64(11), tr.Bytes())
	require.GreaterOrEqual(t, tr.GetCost(), time.Duration(0))
}
