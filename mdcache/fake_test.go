package mdcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

type btKey struct {
	ino  proto.Ino
	pool int64
}

type fakeStore struct {
	lock       sync.Mutex
	backtraces map[btKey][]byte
	dirfrags   map[proto.DirFrag][]byte
	inodes     map[proto.Ino]proto.InodeInfo
	purged     []proto.Ino
	gate       chan struct{}

	btFetches int32
	dfFetches int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		backtraces: make(map[btKey][]byte),
		dirfrags:   make(map[proto.DirFrag][]byte),
		inodes:     make(map[proto.Ino]proto.InodeInfo),
	}
}

func (s *fakeStore) FetchBacktrace(ctx context.Context, ino proto.Ino, pool int64) ([]byte, error) {
	atomic.AddInt32(&s.btFetches, 1)
	s.lock.Lock()
	gate := s.gate
	s.lock.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	raw, ok := s.backtraces[btKey{ino: ino, pool: pool}]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return raw, nil
}

func (s *fakeStore) StoreBacktrace(ctx context.Context, bt *proto.Backtrace) error {
	raw, err := bt.Marshal()
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.backtraces[btKey{ino: bt.Ino, pool: bt.Pool}] = raw
	s.lock.Unlock()
	return nil
}

func (s *fakeStore) FetchDirFrag(ctx context.Context, df proto.DirFrag) (*proto.DirFragObject, error) {
	atomic.AddInt32(&s.dfFetches, 1)
	s.lock.Lock()
	raw, ok := s.dirfrags[df]
	s.lock.Unlock()
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	obj := &proto.DirFragObject{}
	if err := obj.Unmarshal(raw); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *fakeStore) StoreDirFrag(ctx context.Context, obj *proto.DirFragObject) error {
	raw, err := obj.Marshal()
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.dirfrags[obj.DirFrag] = raw
	s.lock.Unlock()
	return nil
}

func (s *fakeStore) FetchInode(ctx context.Context, ino proto.Ino) (*proto.InodeInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	info, ok := s.inodes[ino]
	if !ok {
		return nil, apierrors.ErrNotFound
	}
	return &info, nil
}

func (s *fakeStore) StoreInode(ctx context.Context, info *proto.InodeInfo) error {
	s.lock.Lock()
	s.inodes[info.Ino] = *info
	s.lock.Unlock()
	return nil
}

func (s *fakeStore) PurgeInode(ctx context.Context, ino proto.Ino, pools []int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, pool := range pools {
		delete(s.backtraces, btKey{ino: ino, pool: pool})
	}
	delete(s.dirfrags, proto.DirFrag{Ino: ino, Frag: proto.FragRoot})
	s.purged = append(s.purged, ino)
	return nil
}

func (s *fakeStore) hasDirFrag(df proto.DirFrag) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.dirfrags[df]
	return ok
}

type fakeJournal struct {
	lock    sync.Mutex
	events  [][]byte
	expired uint64
	reject  error
}

func (j *fakeJournal) Submit(ctx context.Context, ev journal.Event) (uint64, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.reject != nil {
		return 0, j.reject
	}
	raw, err := journal.EncodeEvent(ev)
	if err != nil {
		return 0, err
	}
	j.events = append(j.events, raw)
	return uint64(len(j.events)), nil
}

func (j *fakeJournal) Replay(ctx context.Context, from uint64, fn func(seq uint64, ev journal.Event) error) error {
	j.lock.Lock()
	events := append([][]byte(nil), j.events...)
	if from < j.expired {
		from = j.expired
	}
	j.lock.Unlock()
	for i := int(from); i < len(events); i++ {
		ev, err := journal.DecodeEvent(events[i])
		if err != nil {
			return err
		}
		if err := fn(uint64(i+1), ev); err != nil {
			return err
		}
	}
	return nil
}

func (j *fakeJournal) Expire(ctx context.Context, seq uint64) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if seq > j.expired {
		j.expired = seq
	}
	return nil
}

func (j *fakeJournal) Stats() journal.Stats {
	j.lock.Lock()
	defer j.lock.Unlock()
	return journal.Stats{Head: uint64(len(j.events)), Expired: j.expired}
}

func (j *fakeJournal) head() uint64 {
	return j.Stats().Head
}

var testIno = uint64(proto.FirstUserIno)

func nextTestIno() proto.Ino {
	return proto.Ino(atomic.AddUint64(&testIno, 1))
}

func testConfig() *Config {
	return &Config{Rank: 0, MetadataPool: 1, DefaultFilePool: 2, DefaultLogPool: 3}
}

func newTestCache(t *testing.T) (*MDCache, *fakeStore, *fakeJournal) {
	s := newFakeStore()
	j := &fakeJournal{}
	c := NewMDCache(testConfig(), s, j, nil)
	t.Cleanup(c.Close)

	ctx := context.Background()
	require.NoError(t, c.CreateEmptyHierarchy(ctx))
	require.NoError(t, c.CreateMydirHierarchy(ctx))
	require.NoError(t, c.PopulateMydir(ctx))
	return c, s, j
}

// reopenTestCache starts a second cache over the stored state of s.
func reopenTestCache(t *testing.T, s *fakeStore, j *fakeJournal) *MDCache {
	c := NewMDCache(testConfig(), s, j, nil)
	t.Cleanup(c.Close)
	ctx := context.Background()
	require.NoError(t, c.OpenRootAndMydir(ctx))
	require.NoError(t, c.PopulateMydir(ctx))
	return c
}

func newTestInfo(c *MDCache, ino proto.Ino, mode uint32, size uint64) *proto.InodeInfo {
	info := &proto.InodeInfo{Ino: ino, Mode: mode, Nlink: 1, Size: size, Version: 1, Layout: c.DefaultFileLayout()}
	if proto.IsDirMode(mode) {
		info.Rstat.Rsubdirs = 1
	} else {
		info.Rstat.Rfiles = 1
		info.Rstat.Rbytes = int64(size)
	}
	return info
}

// create links a new inode under parent in one journaled request.
func create(t *testing.T, c *MDCache, parent *Inode, name string, ino proto.Ino, mode uint32, size uint64) (*Inode, *journal.MetaBlob) {
	ctx := context.Background()
	mdr, err := c.RequestStart(ctx, "create", proto.ReqID{}, nil)
	require.NoError(t, err)
	mut := mdr.Mutation

	dir, err := c.OpenDirFrag(ctx, mut, parent)
	require.NoError(t, err)
	_, err = c.LockParentsForLinkUnlink(ctx, mut, nil, dir, name, true)
	require.NoError(t, err)

	in, err := c.AddNewInode(ctx, mut, newTestInfo(c, ino, mode, size))
	require.NoError(t, err)
	_, err = c.LinkPrimaryDentry(mut, dir, name, in)
	require.NoError(t, err)
	if in.IsDir() {
		_, err = c.NewDirFrag(mut, in)
		require.NoError(t, err)
	}
	blob := journal.NewMetaBlob()
	require.NoError(t, c.PredirtyJournalParents(mut, blob, in, dir, PredirtyPrimary|PredirtyDir, 1))

	ev := journal.NewEUpdate("create", mut.ReqID)
	ev.Blob = blob
	_, err = c.SubmitMutation(ctx, mut, ev)
	require.NoError(t, err)
	c.RequestFinish(ctx, mdr)
	return in, blob
}

func rootDirFrag() proto.DirFrag {
	return proto.DirFrag{Ino: proto.RootIno, Frag: proto.FragRoot}
}

func dirFragOf(in *Inode) proto.DirFrag {
	return proto.DirFrag{Ino: in.Ino(), Frag: proto.FragRoot}
}
