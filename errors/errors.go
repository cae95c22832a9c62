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

package errors

import (
	"errors"
	"fmt"
)

const (
	CodeOK uint32 = iota
	CodeInternal
	CodeNotFound
	CodeContention
	CodeStaleCloud
	CodeNodeNotInCloud
	CodePersistence
	CodeTaskFailed
	CodeTaskCancelled
	CodeNoSuchTask
	CodeDataLoss
	CodeInvalidKey
	CodeInvalidReplica
	CodeInvalidMessage
	CodeMalformedInput
)

var (
	ErrInternal       = New(CodeInternal, "internal error")
	ErrNotFound       = New(CodeNotFound, "key not found")
	ErrContention     = New(CodeContention, "compare and swap lost the race")
	ErrStaleCloud     = New(CodeStaleCloud, "message from a superseded cloud")
	ErrNodeNotInCloud = New(CodeNodeNotInCloud, "node is not a member of the current cloud")
	ErrPersistence    = New(CodePersistence, "persistence engine failure")
	ErrTaskFailed     = New(CodeTaskFailed, "task failed")
	ErrTaskCancelled  = New(CodeTaskCancelled, "task cancelled")
	ErrNoSuchTask     = New(CodeNoSuchTask, "task is not registered")
	ErrDataLoss       = New(CodeDataLoss, "no surviving replica")
	ErrInvalidKey     = New(CodeInvalidKey, "invalid key")
	ErrInvalidReplica = New(CodeInvalidReplica, "replica index out of cloud range")
	ErrInvalidMessage = New(CodeInvalidMessage, "invalid message")
	ErrMalformedInput = New(CodeMalformedInput, "malformed input")
)

// Error is a coded error which survives a trip over the wire.
// Two errors with the same code are equal for errors.Is.
type Error struct {
	Code uint32
	Msg  string
}

func New(code uint32, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e carrying a more specific message.
func (e *Error) Withf(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Msg: e.Msg + ": " + fmt.Sprintf(format, args...)}
}

// Code extracts the wire code of err, CodeInternal for foreign errors.
func Code(err error) uint32 {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// FromCode rebuilds an error received from a remote node.
func FromCode(code uint32, msg string) error {
	if code == CodeOK {
		return nil
	}
	return &Error{Code: code, Msg: msg}
}
