package mdcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

const (
	dirMode  = proto.ModeDir | 0o755
	fileMode = proto.ModeReg | 0o644
)

func TestResolver_CoalesceConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	c, s, j := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)
	create(t, c, a, "f", proto.Ino(1000), fileMode, 4096)
	require.NoError(t, c.Flush(ctx))

	c2 := reopenTestCache(t, s, j)
	require.Nil(t, c2.GetInodeByIno(1000))

	gate := make(chan struct{})
	s.lock.Lock()
	s.gate = gate
	s.lock.Unlock()
	atomic.StoreInt32(&s.btFetches, 0)

	type result struct {
		in  *Inode
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			in, err := c2.OpenInode(ctx, 1000, c2.DefaultFileLayout().Pool)
			results <- result{in: in, err: err}
		}()
	}
	require.Eventually(t, func() bool {
		c2.openInodeMutex.Lock()
		defer c2.openInodeMutex.Unlock()
		info := c2.openingInodes[1000]
		return info != nil && len(info.waiters) == 2
	}, 5*time.Second, 5*time.Millisecond)
	close(gate)

	r1, r2 := <-results, <-results
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.Same(t, r1.in, r2.in)
	require.Equal(t, proto.Ino(1000), r1.in.Ino())
	require.EqualValues(t, 4096, c2.GetInodeInfo(r1.in).Size)
	require.EqualValues(t, 1, atomic.LoadInt32(&s.btFetches))
	require.Equal(t, 0, c2.Stats().Opening)

	// resident now, no fetch
	in, err := c2.OpenInode(ctx, 1000, c2.DefaultFileLayout().Pool)
	require.NoError(t, err)
	require.Same(t, r1.in, in)
	require.EqualValues(t, 1, atomic.LoadInt32(&s.btFetches))
}

func TestResolver_StaleBacktrace(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newTestCache(t)
	c.cfg.MaxOpenInodeRetries = 2

	require.NoError(t, s.StoreBacktrace(ctx, &proto.Backtrace{
		Ino:       77,
		Pool:      c.MetadataPool(),
		Ancestors: []proto.Backpointer{{DirIno: proto.RootIno, Name: "gone"}},
	}))
	atomic.StoreInt32(&s.btFetches, 0)
	_, err := c.OpenInode(ctx, 77, c.MetadataPool())
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.EqualValues(t, 3, atomic.LoadInt32(&s.btFetches))

	// missing in the data pool falls back to the metadata pool
	atomic.StoreInt32(&s.btFetches, 0)
	_, err = c.OpenInode(ctx, 88, c.DefaultFileLayout().Pool)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.EqualValues(t, 2, atomic.LoadInt32(&s.btFetches))
}

func TestResolver_RemoteDentry(t *testing.T) {
	ctx := context.Background()
	c, s, j := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)
	f, _ := create(t, c, a, "f", nextTestIno(), fileMode, 1)

	mdr, err := c.RequestStart(ctx, "link", proto.ReqID{}, nil)
	require.NoError(t, err)
	rootDir, err := c.OpenDirFrag(ctx, mdr.Mutation, c.Root())
	require.NoError(t, err)
	_, err = c.LinkRemoteDentry(mdr.Mutation, rootDir, "hard", f.Ino(), proto.DTReg)
	require.NoError(t, err)
	c.RequestKill(ctx, mdr)
	require.Nil(t, c.Lookup(rootDir, "hard"))

	mdr, err = c.RequestStart(ctx, "link", proto.ReqID{}, nil)
	require.NoError(t, err)
	_, err = c.LinkRemoteDentry(mdr.Mutation, rootDir, "hard", f.Ino(), proto.DTReg)
	require.NoError(t, err)
	blob := journal.NewMetaBlob()
	require.NoError(t, c.PredirtyJournalParents(mdr.Mutation, blob, f, rootDir, PredirtyDir, 1))
	c.JournalDentry(blob, rootDir, "hard")
	ev := journal.NewEUpdate("link", mdr.ReqID)
	ev.Blob = blob
	_, err = c.SubmitMutation(ctx, mdr.Mutation, ev)
	require.NoError(t, err)
	c.RequestFinish(ctx, mdr)
	require.NoError(t, c.Flush(ctx))

	c2 := reopenTestCache(t, s, j)
	mdr, err = c2.RequestStart(ctx, "lookup", proto.ReqID{}, nil)
	require.NoError(t, err)
	defer c2.RequestFinish(ctx, mdr)
	trail, in, err := c2.PathTraverse(ctx, mdr, "/hard")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.True(t, c2.DentryLinkage(trail[0]).Remote)
	require.Equal(t, f.Ino(), in.Ino())

	_, _, err = c2.PathTraverse(ctx, mdr, "/hard/x")
	require.ErrorIs(t, err, apierrors.ErrNotDir)
	_, _, err = c2.PathTraverse(ctx, mdr, "/a/nope")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestResolver_CyclicBacktrace(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newTestCache(t)
	c.cfg.MaxOpenInodeRetries = 1
	pool := c.MetadataPool()

	// its own parent
	require.NoError(t, s.StoreBacktrace(ctx, &proto.Backtrace{
		Ino: 500, Pool: pool, Ancestors: []proto.Backpointer{{DirIno: 500, Name: "self"}},
	}))
	// two directories naming each other
	require.NoError(t, s.StoreBacktrace(ctx, &proto.Backtrace{
		Ino: 501, Pool: pool, Ancestors: []proto.Backpointer{{DirIno: 502, Name: "x"}},
	}))
	require.NoError(t, s.StoreBacktrace(ctx, &proto.Backtrace{
		Ino: 502, Pool: pool, Ancestors: []proto.Backpointer{{DirIno: 501, Name: "y"}},
	}))
	// a chain longer than any sane depth
	for i := 0; i < 40; i++ {
		ino := proto.Ino(600 + i)
		require.NoError(t, s.StoreBacktrace(ctx, &proto.Backtrace{
			Ino: ino, Pool: pool, Ancestors: []proto.Backpointer{{DirIno: ino + 1, Name: "d"}},
		}))
	}

	for _, ino := range []proto.Ino{500, 501, 502, 600} {
		for i := 0; i < 2; i++ {
			tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := c.OpenInode(tctx, ino, pool)
			cancel()
			require.ErrorIs(t, err, apierrors.ErrNotFound, "ino %d", ino)
		}
		require.Equal(t, 0, c.Stats().Opening)
	}
	require.Nil(t, c.GetInodeByIno(500))
	require.Nil(t, c.GetInodeByIno(501))
}

func TestResolver_CorruptBacktrace(t *testing.T) {
	ctx := context.Background()
	c, s, _ := newTestCache(t)
	pool := c.MetadataPool()

	require.NoError(t, s.StoreBacktrace(ctx, &proto.Backtrace{Ino: 700, Pool: pool}))
	_, err := c.OpenInode(ctx, 700, pool)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	s.lock.Lock()
	s.backtraces[btKey{ino: 701, pool: pool}] = []byte{0xff, 0xff, 0xff}
	s.lock.Unlock()
	_, err = c.OpenInode(ctx, 701, pool)
	require.Error(t, err)
	require.Equal(t, 0, c.Stats().Opening)
}
