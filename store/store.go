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

package store

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/mdcache/common/kvstore"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/util/limiter"
	"golang.org/x/sync/singleflight"
)

const (
	backtraceCF = kvstore.CF("backtrace")
	dirfragCF   = kvstore.CF("dirfrag")
	inodeCF     = kvstore.CF("inode")
	idCF        = kvstore.CF("id")
)

// ColumnFamilies lists the columns the object store needs in its kv instance.
var ColumnFamilies = []kvstore.CF{backtraceCF, dirfragCF, inodeCF, idCF}

type Config struct {
	Path       string              `json:"path"`
	KVOption   kvstore.Option      `json:"kv_option"`
	FetchLimit limiter.LimitConfig `json:"fetch_limit"`
}

// Store is the backing object store of the metadata cache. Objects are keyed by
// pool and inode number the way a rados pool would name them.
type Store struct {
	kvStore   kvstore.Store
	limiter   limiter.Limiter
	singleRun *singleflight.Group
}

func NewStore(ctx context.Context, cfg *Config, extraColumns ...kvstore.CF) (*Store, error) {
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = append(append(cfg.KVOption.ColumnFamily, ColumnFamilies...), extraColumns...)
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}
	return &Store{
		kvStore:   kvStore,
		limiter:   limiter.NewLimiter(cfg.FetchLimit),
		singleRun: &singleflight.Group{},
	}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) Close() {
	s.kvStore.Close()
}

// FetchBacktrace reads the raw backtrace object of ino from pool.
func (s *Store) FetchBacktrace(ctx context.Context, ino proto.Ino, pool int64) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	raw, err := s.kvStore.GetRaw(ctx, backtraceCF, encodeObjectKey(pool, ino))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNotFound
		}
		return nil, errors.Info(err, "get backtrace failed")
	}
	return raw, nil
}

func (s *Store) StoreBacktrace(ctx context.Context, bt *proto.Backtrace) error {
	raw, err := bt.Marshal()
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, backtraceCF, encodeObjectKey(bt.Pool, bt.Ino), raw)
}

// FetchDirFrag loads a fragment object. Concurrent fetches of one fragment share a read.
func (s *Store) FetchDirFrag(ctx context.Context, df proto.DirFrag) (*proto.DirFragObject, error) {
	v, err, shared := s.singleRun.Do(df.String(), func() (interface{}, error) {
		if err := s.acquire(ctx); err != nil {
			return nil, err
		}
		defer s.limiter.Release()

		raw, err := s.kvStore.GetRaw(ctx, dirfragCF, encodeDirFragKey(df))
		if err != nil {
			if err == kvstore.ErrNotFound {
				return nil, apierrors.ErrNotFound
			}
			return nil, errors.Info(err, "get dirfrag failed")
		}
		obj := &proto.DirFragObject{}
		if err := obj.Unmarshal(raw); err != nil {
			return nil, errors.Info(err, "decode dirfrag failed")
		}
		return obj, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		trace.SpanFromContextSafe(ctx).Debugf("dirfrag %s fetch shared", df)
	}
	return v.(*proto.DirFragObject), nil
}

func (s *Store) StoreDirFrag(ctx context.Context, obj *proto.DirFragObject) error {
	raw, err := obj.Marshal()
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, dirfragCF, encodeDirFragKey(obj.DirFrag), raw)
}

func (s *Store) FetchInode(ctx context.Context, ino proto.Ino) (*proto.InodeInfo, error) {
	raw, err := s.kvStore.GetRaw(ctx, inodeCF, encodeObjectKey(0, ino))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNotFound
		}
		return nil, errors.Info(err, "get inode failed")
	}
	info := &proto.InodeInfo{}
	if err := info.Unmarshal(raw); err != nil {
		return nil, errors.Info(err, "decode inode failed")
	}
	return info, nil
}

func (s *Store) StoreInode(ctx context.Context, info *proto.InodeInfo) error {
	raw, err := info.Marshal()
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, inodeCF, encodeObjectKey(0, info.Ino), raw)
}

// PurgeInode removes every object named after ino: its fragments and backtraces.
func (s *Store) PurgeInode(ctx context.Context, ino proto.Ino, pools []int64) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	start := encodeDirFragKey(proto.DirFrag{Ino: ino})
	end := encodeDirFragKey(proto.DirFrag{Ino: ino + 1})
	batch.DeleteRange(dirfragCF, start, end)
	for _, pool := range pools {
		batch.Delete(backtraceCF, encodeObjectKey(pool, ino))
	}
	batch.Delete(inodeCF, encodeObjectKey(0, ino))
	return s.kvStore.Write(ctx, batch)
}

func (s *Store) acquire(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.limiter.Acquire()
}

func encodeObjectKey(pool int64, ino proto.Ino) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key, uint64(pool))
	binary.BigEndian.PutUint64(key[8:], uint64(ino))
	return key
}

func encodeDirFragKey(df proto.DirFrag) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key, uint64(df.Ino))
	binary.BigEndian.PutUint32(key[8:], uint32(df.Frag))
	return key
}
