package mdcache

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	k := InodeLock(proto.NewVIno(5))
	o1, o2 := proto.ReqID{Tid: 1}, proto.ReqID{Tid: 2}

	require.NoError(t, l.Lock(ctx, o1, k))
	require.NoError(t, l.Lock(ctx, o1, k))
	owner, ok := l.Holder(k)
	require.True(t, ok)
	require.Equal(t, o1, owner)

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Lock(cctx, o2, k), context.DeadlineExceeded)

	l.Unlock(o2, k)
	_, ok = l.Holder(k)
	require.True(t, ok)

	got := make(chan error, 1)
	go func() { got <- l.Lock(ctx, o2, k) }()
	l.Unlock(o1, k)
	require.NoError(t, <-got)
	owner, _ = l.Holder(k)
	require.Equal(t, o2, owner)
}

func TestLocks_AcquireRestartsInOrder(t *testing.T) {
	ctx := context.Background()
	c := NewMDCache(testConfig(), newFakeStore(), &fakeJournal{}, nil)
	defer c.Close()

	df := proto.DirFrag{Ino: 10}
	mut := c.NewMutation(proto.ReqID{Tid: 1})
	require.NoError(t, c.AcquireLocks(ctx, mut, []LockKey{InodeLock(proto.NewVIno(20))}))
	require.NoError(t, c.AcquireLocks(ctx, mut, []LockKey{DentryLock(df, "b"), DirFragLock(df)}))

	all := SortLocks([]LockKey{InodeLock(proto.NewVIno(20)), DentryLock(df, "b"), DirFragLock(df)})
	require.Equal(t, all, mut.Locks())
	require.Equal(t, StateLocksAcquired, mut.State())

	c.releaseLocks(mut)
	require.Empty(t, mut.Locks())
	_, held := c.locker.(*LocalLocker).Holder(DirFragLock(df))
	require.False(t, held)
}

func renameFixture(t *testing.T) (*MDCache, *RenameLocks, *RenameLocks) {
	c, _, _ := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)
	b, _ := create(t, c, c.Root(), "b", nextTestIno(), dirMode, 0)
	x, _ := create(t, c, a, "x", nextTestIno(), fileMode, 0)
	y, _ := create(t, c, b, "y", nextTestIno(), fileMode, 0)
	adir := c.GetDirFrag(dirFragOf(a))
	bdir := c.GetDirFrag(dirFragOf(b))
	r1 := &RenameLocks{SrcDir: adir, SrcName: "x", DestDir: bdir, DestName: "y", In: x, OldIn: y}
	r2 := &RenameLocks{SrcDir: bdir, SrcName: "y", DestDir: adir, DestName: "x", In: y, OldIn: x}
	return c, r1, r2
}

func TestLocks_RenameOrderDeterministic(t *testing.T) {
	ctx := context.Background()
	c, r1, r2 := renameFixture(t)
	mut := c.NewMutation(proto.ReqID{Tid: 1000})

	k1, err := c.LockParentsForRename(ctx, mut, r1, false)
	require.NoError(t, err)
	k2, err := c.LockParentsForRename(ctx, mut, r2, false)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 6)
	for i := 1; i < len(k1); i++ {
		require.True(t, k1[i-1].Less(k1[i]))
	}

	shuffled := append([]LockKey(nil), k1...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	require.Equal(t, k1, SortLocks(shuffled))

	same := &RenameLocks{SrcDir: r1.SrcDir, SrcName: "x", DestDir: r1.SrcDir, DestName: "z", In: r1.In}
	k3, err := c.LockParentsForRename(ctx, mut, same, false)
	require.NoError(t, err)
	require.Equal(t, []LockKey{
		DirFragLock(r1.SrcDir.DirFrag()),
		DentryLock(r1.SrcDir.DirFrag(), "x"),
		DentryLock(r1.SrcDir.DirFrag(), "z"),
		InodeLock(r1.In.VIno()),
	}, k3)
	require.Empty(t, mut.Locks())
}

func TestLocks_ConcurrentOppositeRenames(t *testing.T) {
	ctx := context.Background()
	c, r1, r2 := renameFixture(t)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, r := range []*RenameLocks{r1, r2} {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				mdr, err := c.RequestStart(ctx, "rename", proto.ReqID{}, nil)
				if err != nil {
					errs <- err
					return
				}
				_, err = c.LockParentsForRename(mdr.Context(), mdr.Mutation, r, true)
				c.RequestKill(ctx, mdr)
				if err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("renames deadlocked")
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestLocks_RenameUnderItself(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)
	b, _ := create(t, c, a, "b", nextTestIno(), dirMode, 0)
	rootDir := c.GetDirFrag(rootDirFrag())
	bdir := c.GetDirFrag(dirFragOf(b))

	mdr, err := c.RequestStart(ctx, "rename", proto.ReqID{}, nil)
	require.NoError(t, err)
	defer c.RequestKill(ctx, mdr)
	_, err = c.LockParentsForRename(ctx, mdr.Mutation, &RenameLocks{
		SrcDir: rootDir, SrcName: "a", DestDir: bdir, DestName: "a2", In: a,
	}, true)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
}

type countingLocker struct {
	*LocalLocker
	lock     sync.Mutex
	locked   []LockKey
	unlocked int
}

func (l *countingLocker) Lock(ctx context.Context, owner proto.ReqID, key LockKey) error {
	l.lock.Lock()
	l.locked = append(l.locked, key)
	l.lock.Unlock()
	return l.LocalLocker.Lock(ctx, owner, key)
}

func (l *countingLocker) Unlock(owner proto.ReqID, key LockKey) {
	l.lock.Lock()
	l.unlocked++
	l.lock.Unlock()
	l.LocalLocker.Unlock(owner, key)
}

func TestLocks_RenameTakesStraySlot(t *testing.T) {
	ctx := context.Background()
	c, r1, _ := renameFixture(t)
	rec := &countingLocker{LocalLocker: NewLocalLocker()}
	c.locker = rec

	strayDir, strayName, err := c.GetOrCreateStrayDentry(ctx, r1.OldIn)
	require.NoError(t, err)
	r1.StrayDir, r1.StrayName = strayDir, strayName

	keys, err := c.LockParentsForRename(ctx, c.NewMutation(proto.ReqID{Tid: 1}), r1, false)
	require.NoError(t, err)
	require.Len(t, keys, 8)
	require.Equal(t, DirFragLock(strayDir.DirFrag()), keys[0])
	require.True(t, containsLock(keys, DentryLock(strayDir.DirFrag(), strayName)))
	require.True(t, containsLock(keys, InodeLock(r1.OldIn.VIno())))

	mdr, err := c.RequestStart(ctx, "rename", proto.ReqID{}, nil)
	require.NoError(t, err)
	defer c.RequestKill(ctx, mdr)
	_, err = c.LockParentsForRename(ctx, mdr.Mutation, r1, true)
	require.NoError(t, err)

	// every key is taken once, in order, while the rename mutex is held
	require.Equal(t, keys, mdr.Locks())
	require.Equal(t, keys, rec.locked)
	require.Zero(t, rec.unlocked)
}

func TestLocks_LinkUnlinkOrderOnly(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	f, _ := create(t, c, c.Root(), "f", nextTestIno(), fileMode, 1)
	rec := &countingLocker{LocalLocker: NewLocalLocker()}
	c.locker = rec

	rootDir := c.GetDirFrag(rootDirFrag())
	require.NotNil(t, rootDir)
	mut := c.NewMutation(proto.ReqID{Tid: 1})
	refBefore := rootDir.Ref()
	keys, err := c.LockParentsForLinkUnlink(ctx, mut, f, rootDir, "f", false)
	require.NoError(t, err)
	require.Equal(t, []LockKey{
		DirFragLock(rootDirFrag()),
		DentryLock(rootDirFrag(), "f"),
		InodeLock(f.VIno()),
	}, keys)
	require.Empty(t, mut.Locks())
	require.Empty(t, rec.locked)
	require.Equal(t, refBefore, rootDir.Ref())

	// a create has no inode to lock
	keys, err = c.LockParentsForLinkUnlink(ctx, mut, nil, rootDir, "g", false)
	require.NoError(t, err)
	require.Equal(t, []LockKey{DirFragLock(rootDirFrag()), DentryLock(rootDirFrag(), "g")}, keys)
	require.Empty(t, rec.locked)
}
