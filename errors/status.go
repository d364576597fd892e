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
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatus carries the internal code in the status message as "code:msg".
func ToStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := Code(err)
	c := codes.Internal
	switch code {
	case CodeNotFound, CodeStaleBacktrace, CodeStaleLink:
		c = codes.NotFound
	case CodeExist:
		c = codes.AlreadyExists
	case CodeNotDir, CodeIsDir, CodeNotEmpty:
		c = codes.FailedPrecondition
	case CodeInvalidArgument:
		c = codes.InvalidArgument
	case CodeLockOrderConflict:
		c = codes.Aborted
	case CodeJournalAdmission:
		c = codes.ResourceExhausted
	case CodeShuttingDown:
		c = codes.Unavailable
	}
	return status.Error(c, fmt.Sprintf("%d:%s", code, err.Error()))
}

// FromStatus rebuilds the internal error of a status made by ToStatus.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	idx := strings.IndexByte(st.Message(), ':')
	if idx < 0 {
		return err
	}
	code, perr := strconv.ParseUint(st.Message()[:idx], 10, 32)
	if perr != nil || code == 0 {
		return err
	}
	return FromCode(uint32(code), st.Message()[idx+1:])
}
