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

package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
	"github.com/cubefs/mdcache/store"
	"github.com/cubefs/mdcache/util"
)

func testServerConfig(path string) *Config {
	return &Config{
		StoreConfig:    store.Config{Path: path},
		FlushIntervalS: 3600,
		InoAllocStep:   16,
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })
	s, err := NewServer(context.Background(), testServerConfig(path))
	require.NoError(t, err)
	return s, path
}

// crash stops s without flushing, leaving the unflushed state in the journal.
func crash(s *Server) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.cache.Close()
		s.store.Close()
	})
}

func do(s *Server, op string, req interface{}) (interface{}, error) {
	return s.execute(context.Background(), op, proto.ReqID{}, req)
}

func mkdir(t *testing.T, s *Server, path string) proto.InodeInfo {
	resp, err := do(s, "mkdir", &proto.MkdirRequest{Path: path, Mode: 0o755})
	require.NoError(t, err)
	return resp.(*proto.InodeResponse).Info
}

func create(t *testing.T, s *Server, path string) proto.InodeInfo {
	resp, err := do(s, "create", &proto.CreateRequest{Path: path, Mode: 0o644})
	require.NoError(t, err)
	return resp.(*proto.InodeResponse).Info
}

func lookup(s *Server, path string) (proto.InodeInfo, error) {
	resp, err := do(s, "lookup", &proto.LookupRequest{Path: path})
	if err != nil {
		return proto.InodeInfo{}, err
	}
	return resp.(*proto.InodeResponse).Info, nil
}

func mustLookup(t *testing.T, s *Server, path string) proto.InodeInfo {
	info, err := lookup(s, path)
	require.NoError(t, err)
	return info
}

func requireErr(t *testing.T, err, target error) {
	require.Error(t, err)
	require.True(t, apierrors.Is(err, target), "want %v, got %v", target, err)
}

func TestServer_Namespace(t *testing.T) {
	s, _ := newTestServer(t)
	defer s.Close()

	a := mkdir(t, s, "/a")
	require.True(t, a.IsDir())
	require.True(t, a.Ino >= proto.FirstUserIno)
	f := create(t, s, "/a/f")
	require.EqualValues(t, proto.ModeReg|0o644, f.Mode)
	require.NotEqual(t, a.Ino, f.Ino)

	got := mustLookup(t, s, "/a/f")
	require.Equal(t, f.Ino, got.Ino)
	a = mustLookup(t, s, "/a")
	require.EqualValues(t, 1, a.Dirstat.NFiles)
	require.EqualValues(t, 1, a.Rstat.Rfiles)
	root := mustLookup(t, s, "/")
	require.EqualValues(t, 1, root.Dirstat.NSubdirs)
	require.EqualValues(t, 1, root.Rstat.Rfiles)
	require.EqualValues(t, 2, root.Rstat.Rsubdirs)

	_, err := do(s, "create", &proto.CreateRequest{Path: "/a/f"})
	requireErr(t, err, apierrors.ErrExist)
	_, err = lookup(s, "/a/nope")
	requireErr(t, err, apierrors.ErrNotFound)
	_, err = do(s, "create", &proto.CreateRequest{Path: "/a/f/x"})
	requireErr(t, err, apierrors.ErrNotDir)
	_, err = do(s, "mkdir", &proto.MkdirRequest{Path: "/"})
	requireErr(t, err, apierrors.ErrInvalidArgument)

	st := s.Stats()
	require.Zero(t, st.Cache.Requests)
	require.NotZero(t, st.Journal.Head)
}

func TestServer_ConcurrentCreate(t *testing.T) {
	s, _ := newTestServer(t)
	defer s.Close()
	mkdir(t, s, "/c")

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = do(s, "create", &proto.CreateRequest{Path: fmt.Sprintf("/c/f%d", i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	c := mustLookup(t, s, "/c")
	require.EqualValues(t, n, c.Dirstat.NFiles)
	require.EqualValues(t, n, mustLookup(t, s, "/").Rstat.Rfiles)
}

func TestServer_LinkUnlink(t *testing.T) {
	s, _ := newTestServer(t)
	defer s.Close()

	f := create(t, s, "/f")
	resp, err := do(s, "link", &proto.LinkRequest{Target: "/f", Path: "/g"})
	require.NoError(t, err)
	require.EqualValues(t, 2, resp.(*proto.InodeResponse).Info.Nlink)
	require.Equal(t, f.Ino, mustLookup(t, s, "/g").Ino)
	root := mustLookup(t, s, "/")
	require.EqualValues(t, 2, root.Dirstat.NFiles)
	require.EqualValues(t, 1, root.Rstat.Rfiles)

	mkdir(t, s, "/d")
	_, err = do(s, "link", &proto.LinkRequest{Target: "/d", Path: "/e"})
	requireErr(t, err, apierrors.ErrIsDir)

	// the inode survives in a stray dir while /g links it
	_, err = do(s, "unlink", &proto.UnlinkRequest{Path: "/f"})
	require.NoError(t, err)
	_, err = lookup(s, "/f")
	requireErr(t, err, apierrors.ErrNotFound)
	g := mustLookup(t, s, "/g")
	require.Equal(t, f.Ino, g.Ino)
	require.EqualValues(t, 1, g.Nlink)
	require.NotNil(t, s.cache.GetInodeByIno(f.Ino))
	require.EqualValues(t, 0, mustLookup(t, s, "/").Rstat.Rfiles)

	_, err = do(s, "unlink", &proto.UnlinkRequest{Path: "/g"})
	require.NoError(t, err)
	_, err = lookup(s, "/g")
	requireErr(t, err, apierrors.ErrNotFound)
	require.Nil(t, s.cache.GetInodeByIno(f.Ino))
	root = mustLookup(t, s, "/")
	require.EqualValues(t, 0, root.Dirstat.NFiles)
	require.EqualValues(t, 1, root.Dirstat.NSubdirs)
}

func TestServer_Rmdir(t *testing.T) {
	s, _ := newTestServer(t)
	defer s.Close()

	d := mkdir(t, s, "/d")
	create(t, s, "/d/x")
	_, err := do(s, "rmdir", &proto.UnlinkRequest{Path: "/d", Dir: true})
	requireErr(t, err, apierrors.ErrNotEmpty)
	_, err = do(s, "unlink", &proto.UnlinkRequest{Path: "/d"})
	requireErr(t, err, apierrors.ErrIsDir)
	_, err = do(s, "rmdir", &proto.UnlinkRequest{Path: "/d/x", Dir: true})
	requireErr(t, err, apierrors.ErrNotDir)

	_, err = do(s, "unlink", &proto.UnlinkRequest{Path: "/d/x"})
	require.NoError(t, err)
	_, err = do(s, "rmdir", &proto.UnlinkRequest{Path: "/d", Dir: true})
	require.NoError(t, err)
	_, err = lookup(s, "/d")
	requireErr(t, err, apierrors.ErrNotFound)
	require.Nil(t, s.cache.GetInodeByIno(d.Ino))

	root := mustLookup(t, s, "/")
	require.EqualValues(t, 0, root.Dirstat.NSubdirs)
	require.EqualValues(t, 1, root.Rstat.Rsubdirs)
	require.EqualValues(t, 0, root.Rstat.Rfiles)
}

func TestServer_Rename(t *testing.T) {
	s, _ := newTestServer(t)
	defer s.Close()

	mkdir(t, s, "/a")
	mkdir(t, s, "/b")
	f := create(t, s, "/a/f")

	_, err := do(s, "rename", &proto.RenameRequest{Src: "/a/f", Dst: "/b/g"})
	require.NoError(t, err)
	_, err = lookup(s, "/a/f")
	requireErr(t, err, apierrors.ErrNotFound)
	require.Equal(t, f.Ino, mustLookup(t, s, "/b/g").Ino)
	require.EqualValues(t, 0, mustLookup(t, s, "/a").Rstat.Rfiles)
	require.EqualValues(t, 1, mustLookup(t, s, "/b").Rstat.Rfiles)
	require.EqualValues(t, 1, mustLookup(t, s, "/").Rstat.Rfiles)

	// overwrite purges the old target
	h := create(t, s, "/b/h")
	_, err = do(s, "rename", &proto.RenameRequest{Src: "/b/g", Dst: "/b/h"})
	require.NoError(t, err)
	require.Equal(t, f.Ino, mustLookup(t, s, "/b/h").Ino)
	require.Nil(t, s.cache.GetInodeByIno(h.Ino))
	b := mustLookup(t, s, "/b")
	require.EqualValues(t, 1, b.Dirstat.NFiles)
	require.EqualValues(t, 1, b.Rstat.Rfiles)

	// same inode is a no-op
	_, err = do(s, "rename", &proto.RenameRequest{Src: "/b/h", Dst: "/b/h"})
	require.NoError(t, err)

	mkdir(t, s, "/a/sub")
	_, err = do(s, "rename", &proto.RenameRequest{Src: "/a", Dst: "/a/sub/x"})
	requireErr(t, err, apierrors.ErrInvalidArgument)
	_, err = do(s, "rename", &proto.RenameRequest{Src: "/b/h", Dst: "/a"})
	requireErr(t, err, apierrors.ErrIsDir)

	_, err = do(s, "rename", &proto.RenameRequest{Src: "/a", Dst: "/b/a"})
	require.NoError(t, err)
	require.EqualValues(t, 1, mustLookup(t, s, "/b").Dirstat.NSubdirs)
	require.NotZero(t, mustLookup(t, s, "/b/a/sub").Ino)
	root := mustLookup(t, s, "/")
	require.EqualValues(t, 1, root.Dirstat.NSubdirs)
	require.EqualValues(t, 4, root.Rstat.Rsubdirs)
}

func TestServer_OpenRelease(t *testing.T) {
	s, _ := newTestServer(t)
	defer s.Close()

	f := create(t, s, "/f")
	resp, err := do(s, "open", &proto.OpenRequest{Path: "/f"})
	require.NoError(t, err)
	opened := resp.(*proto.OpenResponse)
	require.Equal(t, f.Ino, opened.Info.Ino)
	require.NotZero(t, opened.Cap)

	// an open inode outlives its last link
	_, err = do(s, "unlink", &proto.UnlinkRequest{Path: "/f"})
	require.NoError(t, err)
	in := s.cache.GetInodeByIno(f.Ino)
	require.NotNil(t, in)
	require.Equal(t, 1, s.cache.NumCaps(in))

	_, err = do(s, "release", &proto.ReleaseRequest{Ino: f.Ino, Cap: opened.Cap + 100})
	requireErr(t, err, apierrors.ErrNotFound)
	_, err = do(s, "release", &proto.ReleaseRequest{Ino: f.Ino, Cap: opened.Cap})
	require.NoError(t, err)
	require.Nil(t, s.cache.GetInodeByIno(f.Ino))
}

func TestServer_RestartReplaysJournal(t *testing.T) {
	s, path := newTestServer(t)
	mkdir(t, s, "/a")
	f := create(t, s, "/a/f")
	mkdir(t, s, "/a/empty")
	create(t, s, "/gone")
	_, err := do(s, "unlink", &proto.UnlinkRequest{Path: "/gone"})
	require.NoError(t, err)
	rootBefore := mustLookup(t, s, "/")
	crash(s)

	s, err = NewServer(context.Background(), testServerConfig(path))
	require.NoError(t, err)
	require.Equal(t, f.Ino, mustLookup(t, s, "/a/f").Ino)
	_, err = lookup(s, "/gone")
	requireErr(t, err, apierrors.ErrNotFound)
	root := mustLookup(t, s, "/")
	require.Equal(t, rootBefore.Rstat.Rfiles, root.Rstat.Rfiles)
	require.Equal(t, rootBefore.Rstat.Rsubdirs, root.Rstat.Rsubdirs)
	require.Equal(t, rootBefore.Dirstat, root.Dirstat)
	require.Zero(t, s.Stats().Cache.ReplayUndef)

	// inode numbers are never reissued
	g := create(t, s, "/a/empty/g")
	require.True(t, g.Ino > f.Ino)

	// a clean shutdown flushes everything and expires the journal
	s.Close()
	s, err = NewServer(context.Background(), testServerConfig(path))
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, g.Ino, mustLookup(t, s, "/a/empty/g").Ino)
	require.EqualValues(t, 2, mustLookup(t, s, "/a").Rstat.Rfiles)
}
