package mdcache

import (
	"context"
	"sync"
	"time"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

type MutationState uint8

const (
	StateAdmitted MutationState = iota + 1
	StateLocksAcquired
	StateJournaled
	StateApplied
	StateFinished
	StateKilled
)

func (s MutationState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateLocksAcquired:
		return "locks_acquired"
	case StateJournaled:
		return "journaled"
	case StateApplied:
		return "applied"
	case StateFinished:
		return "finished"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

type projectKey struct {
	child      proto.VIno
	dirfrag    proto.DirFrag
	linkunlink int
}

// Mutation is the in-memory side of one journal transaction: the locks and
// pins it holds and the undo records of every object it changed.
type Mutation struct {
	ReqID proto.ReqID

	lock       sync.Mutex
	state      MutationState
	submitting bool
	locks      []LockKey
	seq        uint64

	// guarded by the cache lock
	stamp          int64
	pinnedInodes   map[*Inode]struct{}
	pinnedDirs     map[*Dir]struct{}
	pinnedDentries map[*Dentry]struct{}
	dirtied        map[interface{}]struct{}
	projected      map[projectKey]struct{}
	undo           []func()
}

func newMutation(reqID proto.ReqID) *Mutation {
	return &Mutation{
		ReqID:          reqID,
		state:          StateAdmitted,
		stamp:          time.Now().UnixNano(),
		pinnedInodes:   make(map[*Inode]struct{}),
		pinnedDirs:     make(map[*Dir]struct{}),
		pinnedDentries: make(map[*Dentry]struct{}),
		dirtied:        make(map[interface{}]struct{}),
		projected:      make(map[projectKey]struct{}),
	}
}

func (m *Mutation) State() MutationState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

func (m *Mutation) Locks() []LockKey {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]LockKey(nil), m.locks...)
}

// Seq is the journal sequence of the transaction, 0 before journaling.
func (m *Mutation) Seq() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.seq
}

func (m *Mutation) Stamp() int64 {
	return m.stamp
}

func (m *Mutation) checkMutable() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state == StateKilled || m.state >= StateJournaled || m.submitting {
		return apierrors.Wrapf(apierrors.ErrIllegalState, "%s is %s", m.ReqID, m.state)
	}
	return nil
}

func (m *Mutation) addUndo(fn func()) {
	m.undo = append(m.undo, fn)
}

// MDRequest is the ledger record of one client request.
type MDRequest struct {
	*Mutation

	Op     string
	Client interface{}
	// filled by the operation handler
	Reply interface{}

	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time
	done   bool
}

func (mdr *MDRequest) Context() context.Context {
	return mdr.ctx
}

// pinInodeLocked holds in for the lifetime of mut.
func (c *MDCache) pinInodeLocked(mut *Mutation, in *Inode) {
	if _, ok := mut.pinnedInodes[in]; ok {
		return
	}
	mut.pinnedInodes[in] = struct{}{}
	in.get(PinRequest)
	in.lastTouch = c.touchLocked()
}

func (c *MDCache) pinDirLocked(mut *Mutation, dir *Dir) {
	if _, ok := mut.pinnedDirs[dir]; ok {
		return
	}
	mut.pinnedDirs[dir] = struct{}{}
	dir.get(PinRequest)
	dir.lastTouch = c.touchLocked()
}

func (c *MDCache) pinDentryLocked(mut *Mutation, dn *Dentry) {
	if _, ok := mut.pinnedDentries[dn]; ok {
		return
	}
	mut.pinnedDentries[dn] = struct{}{}
	dn.ref++
}

func (c *MDCache) unpinAllLocked(mut *Mutation) {
	for dn := range mut.pinnedDentries {
		dn.ref--
	}
	for in := range mut.pinnedInodes {
		c.putInodeLocked(in, PinRequest)
	}
	for dir := range mut.pinnedDirs {
		// closed fragments dropped their pins with them
		if c.dirfrags[dir.dirfrag] == dir {
			c.putDirLocked(dir, PinRequest)
		}
	}
	mut.pinnedDentries = make(map[*Dentry]struct{})
	mut.pinnedInodes = make(map[*Inode]struct{})
	mut.pinnedDirs = make(map[*Dir]struct{})
}

// dirtyInodeLocked marks in dirty once per mutation.
func (c *MDCache) dirtyInodeLocked(mut *Mutation, in *Inode) {
	if _, ok := mut.dirtied[in.vino]; ok {
		return
	}
	mut.dirtied[in.vino] = struct{}{}
	c.pinInodeLocked(mut, in)
	c.markInodeDirtyLocked(in)
	mut.addUndo(func() { c.undirtyInodeLocked(in) })
}

// dirtyDirLocked marks dir dirty and bumps its version once per mutation.
func (c *MDCache) dirtyDirLocked(mut *Mutation, dir *Dir) {
	if _, ok := mut.dirtied[dir.dirfrag]; ok {
		return
	}
	mut.dirtied[dir.dirfrag] = struct{}{}
	c.pinDirLocked(mut, dir)
	c.markDirDirtyLocked(dir)
	dir.fnode.Version++
	mut.addUndo(func() {
		dir.fnode.Version--
		c.undirtyDirLocked(dir)
	})
}

func (c *MDCache) rollbackLocked(mut *Mutation) {
	for i := len(mut.undo) - 1; i >= 0; i-- {
		mut.undo[i]()
	}
	mut.undo = nil
}

// NewMutation starts a mutation outside the request ledger, for the cache's
// own bookkeeping.
func (c *MDCache) NewMutation(reqID proto.ReqID) *Mutation {
	return newMutation(reqID)
}

// AddNewInode registers a freshly allocated inode as dirty under mut.
func (c *MDCache) AddNewInode(ctx context.Context, mut *Mutation, info *proto.InodeInfo) (*Inode, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return nil, err
	}
	in := newInode(info)
	if err := c.addInodeLocked(in); err != nil {
		c.fault(ctx, "duplicate_inode", "%s new %s already resident", mut.ReqID, in)
		return nil, err
	}
	c.dirtyInodeLocked(mut, in)
	in.backtraceDirty = true
	return in, nil
}

// UpdateInode applies fn to the attributes of in. The recursive statistics
// are owned by the propagator and survive a rollback of this change.
func (c *MDCache) UpdateInode(mut *Mutation, in *Inode, fn func(info *proto.InodeInfo)) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return err
	}
	prev := in.info
	c.dirtyInodeLocked(mut, in)
	fn(&in.info)
	in.info.Version++
	mut.addUndo(func() {
		cur := in.info
		in.info = prev
		in.info.Dirstat = cur.Dirstat
		in.info.Rstat = cur.Rstat
		in.info.AccountedRstat = cur.AccountedRstat
	})
	return nil
}

// LinkPrimaryDentry links in under name in dir.
func (c *MDCache) LinkPrimaryDentry(mut *Mutation, dir *Dir, name string, in *Inode) (*Dentry, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return nil, err
	}
	if dir.lookup(name) != nil {
		return nil, apierrors.ErrExist
	}
	if in.parent != nil {
		return nil, apierrors.Wrapf(apierrors.ErrIllegalState, "%s already linked", in)
	}
	c.dirtyDirLocked(mut, dir)
	c.pinInodeLocked(mut, in)
	btDirty := in.backtraceDirty
	dn := c.linkPrimaryLocked(dir, name, in, dir.fnode.Version)
	c.pinDentryLocked(mut, dn)
	mut.addUndo(func() {
		c.unlinkDentryLocked(dir, dn)
		in.backtraceDirty = btDirty
	})
	return dn, nil
}

func (c *MDCache) LinkRemoteDentry(mut *Mutation, dir *Dir, name string, ino proto.Ino, dtype uint8) (*Dentry, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return nil, err
	}
	if dir.lookup(name) != nil {
		return nil, apierrors.ErrExist
	}
	c.dirtyDirLocked(mut, dir)
	dn := c.linkRemoteLocked(dir, name, ino, dtype, dir.fnode.Version)
	c.pinDentryLocked(mut, dn)
	mut.addUndo(func() { c.unlinkDentryLocked(dir, dn) })
	return dn, nil
}

// UnlinkDentry removes dn from its fragment. A primary inode stays resident
// through the mutation's pin.
func (c *MDCache) UnlinkDentry(mut *Mutation, dn *Dentry) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return err
	}
	dir := c.dirfrags[dn.dirfrag]
	if dir == nil || dir.lookup(dn.name) != dn {
		return apierrors.ErrNotFound
	}
	c.dirtyDirLocked(mut, dir)
	var in *Inode
	btDirty := false
	if dn.linkage.IsPrimary() {
		if in = c.inodeMap[proto.NewVIno(dn.linkage.Ino)]; in != nil {
			c.pinInodeLocked(mut, in)
			btDirty = in.backtraceDirty
		}
	}
	c.unlinkDentryLocked(dir, dn)
	mut.addUndo(func() {
		c.relinkLocked(dir, dn)
		if in != nil {
			in.backtraceDirty = btDirty
		}
	})
	return nil
}

// NewDirFrag opens the empty root fragment of a directory created by mut.
func (c *MDCache) NewDirFrag(mut *Mutation, diri *Inode) (*Dir, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return nil, err
	}
	if !diri.IsDir() {
		return nil, apierrors.Wrapf(apierrors.ErrNotDir, "%s", diri)
	}
	df := proto.DirFrag{Ino: diri.Ino(), Frag: proto.FragRoot}
	if _, ok := c.dirfrags[df]; ok {
		return nil, apierrors.Wrapf(apierrors.ErrDuplicateIdentity, "%s", df)
	}
	dir := c.addDirLocked(diri, df)
	dir.complete = true
	c.dirtyDirLocked(mut, dir)
	mut.addUndo(func() { c.closeDirLocked(dir) })
	return dir, nil
}
