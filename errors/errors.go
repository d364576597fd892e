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
	"syscall"
)

const (
	CodeNotFound = 701 + iota
	CodeDuplicateIdentity
	CodeStaleBacktrace
	CodeLockOrderConflict
	CodeJournalAdmission
	CodeReplayInconsistency
	CodeIllegalState
	CodeNotDir
	CodeIsDir
	CodeExist
	CodeStaleLink
	CodeNotEmpty
	CodeInvalidArgument
	CodeShuttingDown
	CodeRefHeld
)

var (
	ErrNotFound            = newError(CodeNotFound, "no such file or directory")
	ErrDuplicateIdentity   = newError(CodeDuplicateIdentity, "duplicate identity")
	ErrStaleBacktrace      = newError(CodeStaleBacktrace, "stale backtrace")
	ErrLockOrderConflict   = newError(CodeLockOrderConflict, "lock order conflict")
	ErrJournalAdmission    = newError(CodeJournalAdmission, "journal admission failed")
	ErrReplayInconsistency = newError(CodeReplayInconsistency, "replay inconsistency")
	ErrIllegalState        = newError(CodeIllegalState, "illegal state")
	ErrNotDir              = newError(CodeNotDir, "not a directory")
	ErrIsDir               = newError(CodeIsDir, "is a directory")
	ErrExist               = newError(CodeExist, "file exists")
	ErrStaleLink           = newError(CodeStaleLink, "stale link")
	ErrNotEmpty            = newError(CodeNotEmpty, "directory not empty")
	ErrInvalidArgument     = newError(CodeInvalidArgument, "invalid argument")
	ErrShuttingDown        = newError(CodeShuttingDown, "shutting down")
	ErrRefHeld             = newError(CodeRefHeld, "object is still referenced")
)

type Error struct {
	Code uint32 `json:"code"`
	Msg  string `json:"msg"`
}

func newError(code uint32, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

// Wrapf annotates err while keeping it matchable by Is.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Code returns the code of the first coded error in err's chain, 0 if none.
func Code(err error) uint32 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// FromCode rebuilds the sentinel for a code received over the wire.
func FromCode(code uint32, msg string) error {
	for _, e := range all {
		if e.Code == code {
			if msg == "" || msg == e.Msg {
				return e
			}
			return Wrapf(e, "%s", msg)
		}
	}
	return errors.New(msg)
}

var all = []*Error{
	ErrNotFound, ErrDuplicateIdentity, ErrStaleBacktrace, ErrLockOrderConflict,
	ErrJournalAdmission, ErrReplayInconsistency, ErrIllegalState, ErrNotDir, ErrIsDir,
	ErrExist, ErrStaleLink, ErrNotEmpty, ErrInvalidArgument, ErrShuttingDown, ErrRefHeld,
}

// Errno maps the internal taxonomy to the code a client sees.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch Code(err) {
	case CodeNotFound, CodeStaleBacktrace, CodeStaleLink:
		return syscall.ENOENT
	case CodeExist:
		return syscall.EEXIST
	case CodeNotDir:
		return syscall.ENOTDIR
	case CodeIsDir:
		return syscall.EISDIR
	case CodeNotEmpty:
		return syscall.ENOTEMPTY
	case CodeLockOrderConflict, CodeJournalAdmission:
		return syscall.EAGAIN
	case CodeInvalidArgument:
		return syscall.EINVAL
	case CodeShuttingDown:
		return syscall.ESHUTDOWN
	case CodeRefHeld:
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}
