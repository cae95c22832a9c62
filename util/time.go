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
	"time"
)

// TimeReader measures the time spent inside R and the bytes it returned.
type TimeReader struct {
	R io.Reader

	n  int64
	dt time.Duration
}

func (tr *TimeReader) Read(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tr.R.Read(p)
	tr.dt += time.Since(start)
	tr.n += int64(n)
	return n, err
}

func (tr *TimeReader) GetCost() time.Duration {
	return tr.dt
}

func (tr *TimeReader) Bytes() int64 {
	return tr.n
}

// Rate is bytes per second over the read time, zero before any read.
func (tr *TimeReader) Rate() float64 {
	if tr.dt <= 0 {
		return 0
	}
	return float64(tr.n) / tr.dt.Seconds()
}
