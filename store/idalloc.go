// Copyright 2022 The CubeFS Authors.
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

package store

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/mdcache/common/kvstore"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/util"
)

var (
	MaxCount = 1 << 20

	ErrInvalidCount = errors.New("request count is invalid")

	inoScope = []byte("ino")
)

// InoAllocator hands out inode numbers in persisted ranges so that a restart
// never reissues a number.
type InoAllocator struct {
	kvStore kvstore.Store
	step    uint64

	lock   sync.Mutex
	next   uint64
	commit uint64
}

func NewInoAllocator(ctx context.Context, s *Store, step int) (*InoAllocator, error) {
	if step <= 0 || step > MaxCount {
		return nil, ErrInvalidCount
	}
	a := &InoAllocator{kvStore: s.kvStore, step: uint64(step)}
	commit, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if commit < uint64(proto.FirstUserIno) {
		commit = uint64(proto.FirstUserIno)
	}
	a.next, a.commit = commit, commit
	return a, nil
}

func (a *InoAllocator) Alloc(ctx context.Context) (proto.Ino, error) {
	span := trace.SpanFromContextSafe(ctx)
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.next >= a.commit {
		newCommit := a.commit + a.step
		if err := a.kvStore.SetRaw(ctx, idCF, inoScope, util.EncodeUint64(newCommit)); err != nil {
			span.Errorf("put ino commit failed, err: %v", err)
			return 0, err
		}
		span.Debugf("ino commit advanced from %d to %d", a.commit, newCommit)
		a.commit = newCommit
	}
	ino := a.next
	a.next++
	return proto.Ino(ino), nil
}

func (a *InoAllocator) load(ctx context.Context) (uint64, error) {
	raw, err := a.kvStore.GetRaw(ctx, idCF, inoScope)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, errors.Info(err, "load ino commit failed")
	}
	return util.DecodeUint64(raw), nil
}
