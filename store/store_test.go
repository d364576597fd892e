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
	"os"
	"sync"
	"testing"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/util"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := NewStore(context.Background(), &Config{Path: path})
	require.NoError(t, err)
	return s, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func TestStore_Backtrace(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t)
	defer clean()

	_, err := s.FetchBacktrace(ctx, 1000, 1)
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	bt := &proto.Backtrace{Ino: 1000, Pool: 1, Ancestors: []proto.Backpointer{
		{DirIno: 0x10000000001, Name: "f", Version: 3},
		{DirIno: proto.RootIno, Name: "a", Version: 2},
	}}
	require.NoError(t, s.StoreBacktrace(ctx, bt))

	raw, err := s.FetchBacktrace(ctx, 1000, 1)
	require.NoError(t, err)
	got := &proto.Backtrace{}
	require.NoError(t, got.Unmarshal(raw))
	require.Equal(t, bt, got)

	// other pool keeps its own object
	_, err = s.FetchBacktrace(ctx, 1000, 2)
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
}

func TestStore_DirFrag(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t)
	defer clean()

	df := proto.DirFrag{Ino: proto.RootIno}
	obj := &proto.DirFragObject{
		DirFrag: df,
		Fnode:   proto.Fnode{Version: 5},
		Dentries: []proto.DentryRecord{
			{Name: "a", Ino: 0x10000000000, DType: proto.DTDir, Version: 2, Inode: &proto.InodeInfo{Ino: 0x10000000000, Mode: proto.ModeDir | 0o755}},
		},
	}
	require.NoError(t, s.StoreDirFrag(ctx, obj))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.FetchDirFrag(ctx, df)
			require.NoError(t, err)
			require.Equal(t, obj.Dentries[0].Name, got.Dentries[0].Name)
		}()
	}
	wg.Wait()

	require.NoError(t, s.PurgeInode(ctx, proto.RootIno, nil))
	_, err := s.FetchDirFrag(ctx, df)
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))
}

func TestStore_Inode(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestStore(t)
	defer clean()

	_, err := s.FetchInode(ctx, 42)
	require.True(t, apierrors.Is(err, apierrors.ErrNotFound))

	info := &proto.InodeInfo{Ino: 42, Mode: proto.ModeReg | 0o644, Nlink: 1, Size: 10}
	require.NoError(t, s.StoreInode(ctx, info))
	got, err := s.FetchInode(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, info.Size, got.Size)
	require.Equal(t, info.Mode, got.Mode)
}

func TestInoAllocator(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	s, err := NewStore(ctx, &Config{Path: path})
	require.NoError(t, err)

	_, err = NewInoAllocator(ctx, s, 0)
	require.ErrorIs(t, err, ErrInvalidCount)

	alloc, err := NewInoAllocator(ctx, s, 4)
	require.NoError(t, err)
	last := proto.Ino(0)
	for i := 0; i < 10; i++ {
		ino, err := alloc.Alloc(ctx)
		require.NoError(t, err)
		require.Greater(t, uint64(ino), uint64(last))
		require.GreaterOrEqual(t, uint64(ino), uint64(proto.FirstUserIno))
		last = ino
	}
	s.Close()

	// reopen: numbers handed out before never come back
	s, err = NewStore(ctx, &Config{Path: path})
	require.NoError(t, err)
	defer s.Close()
	alloc, err = NewInoAllocator(ctx, s, 4)
	require.NoError(t, err)
	ino, err := alloc.Alloc(ctx)
	require.NoError(t, err)
	require.Greater(t, uint64(ino), uint64(last))
}
