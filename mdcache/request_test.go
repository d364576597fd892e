package mdcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

func TestRequest_StartGetFinish(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	id := proto.ReqID{Client: 4, Tid: 1}
	mdr, err := c.RequestStart(ctx, "mkdir", id, nil)
	require.NoError(t, err)
	_, err = c.RequestStart(ctx, "mkdir", id, nil)
	require.ErrorIs(t, err, apierrors.ErrDuplicateIdentity)

	got, ok := c.RequestGet(id)
	require.True(t, ok)
	require.Same(t, mdr, got)

	anon, err := c.RequestStart(ctx, "lookup", proto.ReqID{}, nil)
	require.NoError(t, err)
	require.False(t, anon.ReqID.IsZero())

	c.RequestFinish(ctx, mdr)
	require.Equal(t, StateFinished, mdr.State())
	_, ok = c.RequestGet(id)
	require.False(t, ok)
	require.Error(t, mdr.Context().Err())

	require.NoError(t, c.RequestKill(ctx, anon))
	require.Equal(t, StateKilled, anon.State())
	require.NoError(t, c.RequestKill(ctx, anon))
}

func TestRequest_AllocatedIDsAreReserved(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	anon, err := c.RequestStart(ctx, "lookup", proto.ReqID{}, nil)
	require.NoError(t, err)
	defer c.RequestFinish(ctx, anon)
	require.Equal(t, proto.InternalClient, anon.ReqID.Client)

	// a client numbering its requests from zero never meets an allocated id
	same := proto.ReqID{Tid: anon.ReqID.Tid}
	mdr, err := c.RequestStart(ctx, "mkdir", same, nil)
	require.NoError(t, err)
	defer c.RequestFinish(ctx, mdr)
	next, err := c.RequestStart(ctx, "lookup", proto.ReqID{}, nil)
	require.NoError(t, err)
	defer c.RequestFinish(ctx, next)
	require.NotEqual(t, same, next.ReqID)
	require.Equal(t, 3, c.Stats().Requests)

	_, err = c.RequestStart(ctx, "mkdir", anon.ReqID, nil)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
}

func TestRequest_KillAfterJournal(t *testing.T) {
	ctx := context.Background()
	c, _, j := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)

	mdr, err := c.RequestStart(ctx, "setattr", proto.ReqID{}, nil)
	require.NoError(t, err)
	_, err = c.LockObjectsForUpdate(ctx, mdr.Mutation, a, true)
	require.NoError(t, err)
	require.NoError(t, c.UpdateInode(mdr.Mutation, a, func(info *proto.InodeInfo) { info.Uid = 1000 }))
	blob := journal.NewMetaBlob()
	require.NoError(t, c.JournalDirtyInode(mdr.Mutation, blob, a))
	ev := journal.NewEUpdate("setattr", mdr.ReqID)
	ev.Blob = blob
	seq, err := c.SubmitMutation(ctx, mdr.Mutation, ev)
	require.NoError(t, err)
	require.Equal(t, j.head(), seq)

	require.ErrorIs(t, c.RequestKill(ctx, mdr), apierrors.ErrIllegalState)
	require.Equal(t, StateJournaled, mdr.State())
	require.ErrorIs(t, c.UpdateInode(mdr.Mutation, a, func(info *proto.InodeInfo) {}), apierrors.ErrIllegalState)
	_, ok := c.RequestGet(mdr.ReqID)
	require.True(t, ok)

	c.RequestFinish(ctx, mdr)
	require.EqualValues(t, 1000, c.GetInodeInfo(a).Uid)
	require.Empty(t, mdr.Locks())
	_, ok = c.RequestGet(mdr.ReqID)
	require.False(t, ok)
}

func TestRequest_AdmissionFailureIsKillable(t *testing.T) {
	ctx := context.Background()
	c, _, j := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)
	before := c.GetInodeInfo(a)

	j.lock.Lock()
	j.reject = apierrors.ErrJournalAdmission
	j.lock.Unlock()

	mdr, err := c.RequestStart(ctx, "setattr", proto.ReqID{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.UpdateInode(mdr.Mutation, a, func(info *proto.InodeInfo) { info.Mode = proto.ModeDir | 0o700 }))
	blob := journal.NewMetaBlob()
	require.NoError(t, c.JournalDirtyInode(mdr.Mutation, blob, a))
	_, err = c.SubmitMutation(ctx, mdr.Mutation, &journal.EUpdate{Op: "setattr", ReqID: mdr.ReqID, Blob: blob})
	require.ErrorIs(t, err, apierrors.ErrJournalAdmission)
	require.True(t, mdr.State() < StateJournaled)

	require.NoError(t, c.RequestKill(ctx, mdr))
	require.Equal(t, before, c.GetInodeInfo(a))
}

type handlerFunc func(ctx context.Context, mdr *MDRequest) error

func (f handlerFunc) DispatchClientRequest(ctx context.Context, mdr *MDRequest) error {
	return f(ctx, mdr)
}

func TestRequest_DispatchAndShutdown(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	mdr, err := c.RequestStart(ctx, "noop", proto.ReqID{}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.DispatchRequest(mdr), apierrors.ErrIllegalState)
	require.Equal(t, StateKilled, mdr.State())

	release := make(chan struct{})
	c.SetRequestHandler(handlerFunc(func(ctx context.Context, mdr *MDRequest) error {
		<-release
		return nil
	}))
	mdr, err = c.RequestStart(ctx, "slow", proto.ReqID{}, nil)
	require.NoError(t, err)
	dispatched := make(chan error, 1)
	go func() { dispatched <- c.DispatchRequest(mdr) }()

	shut := make(chan error, 1)
	go func() { shut <- c.Shutdown(ctx) }()
	require.Eventually(t, func() bool {
		late, err := c.RequestStart(ctx, "late", proto.ReqID{}, nil)
		if err == nil {
			c.RequestFinish(ctx, late)
		}
		return apierrors.Is(err, apierrors.ErrShuttingDown)
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-shut:
		t.Fatal("shutdown returned with a request in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-dispatched)
	require.NoError(t, <-shut)
	require.Equal(t, StateFinished, mdr.State())
}

func TestCapIDs(t *testing.T) {
	c := NewMDCache(testConfig(), newFakeStore(), &fakeJournal{}, nil)
	defer c.Close()
	seen := make(map[proto.CapID]bool)
	prev := proto.CapID(0)
	for i := 0; i < 100; i++ {
		id := c.GetNewCapID()
		require.Greater(t, id, prev)
		require.False(t, seen[id])
		seen[id] = true
		prev = id
	}
	require.ErrorIs(t, c.HandleMessage(context.Background(), "cache_expire"), apierrors.ErrIllegalState)
}
