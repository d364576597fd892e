package mdcache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

type LockKind uint8

// Kinds are listed in acquisition order.
const (
	LockDirFrag LockKind = iota + 1
	LockDentry
	LockInode
)

// LockKey names one lockable object. Keys compare by kind, then identity, so
// any two lock sets are always taken in the same relative order.
type LockKey struct {
	Kind LockKind
	Ino  proto.Ino
	// fragment id for dirfrags and dentries, snapshot for inodes
	Sub  uint64
	Name string
}

func DirFragLock(df proto.DirFrag) LockKey {
	return LockKey{Kind: LockDirFrag, Ino: df.Ino, Sub: uint64(df.Frag)}
}

func DentryLock(df proto.DirFrag, name string) LockKey {
	return LockKey{Kind: LockDentry, Ino: df.Ino, Sub: uint64(df.Frag), Name: name}
}

func InodeLock(vino proto.VIno) LockKey {
	return LockKey{Kind: LockInode, Ino: vino.Ino, Sub: uint64(vino.Snap)}
}

func (k LockKey) Less(o LockKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.Ino != o.Ino {
		return k.Ino < o.Ino
	}
	if k.Sub != o.Sub {
		return k.Sub < o.Sub
	}
	return k.Name < o.Name
}

func (k LockKey) String() string {
	switch k.Kind {
	case LockDirFrag:
		return "dirfrag " + proto.DirFrag{Ino: k.Ino, Frag: proto.FragID(k.Sub)}.String()
	case LockDentry:
		return fmt.Sprintf("dentry %s/%s", proto.DirFrag{Ino: k.Ino, Frag: proto.FragID(k.Sub)}, k.Name)
	default:
		return "inode " + proto.VIno{Ino: k.Ino, Snap: proto.SnapID(k.Sub)}.String()
	}
}

// SortLocks returns keys in acquisition order without duplicates.
func SortLocks(keys []LockKey) []LockKey {
	sorted := make([]LockKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	ret := sorted[:0]
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}

// Locker grants exclusive ownership of single objects. It is the lock state
// machine the cache orders acquisitions for.
type Locker interface {
	Lock(ctx context.Context, owner proto.ReqID, key LockKey) error
	Unlock(owner proto.ReqID, key LockKey)
}

type localLock struct {
	owner    proto.ReqID
	released chan struct{}
}

// LocalLocker is an in-process Locker. Waiters park on the holder's release
// channel.
type LocalLocker struct {
	lock  sync.Mutex
	locks map[LockKey]*localLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[LockKey]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, owner proto.ReqID, key LockKey) error {
	for {
		l.lock.Lock()
		held, ok := l.locks[key]
		if !ok {
			l.locks[key] = &localLock{owner: owner, released: make(chan struct{})}
			l.lock.Unlock()
			return nil
		}
		if held.owner == owner {
			l.lock.Unlock()
			return nil
		}
		released := held.released
		l.lock.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *LocalLocker) Unlock(owner proto.ReqID, key LockKey) {
	l.lock.Lock()
	defer l.lock.Unlock()
	held, ok := l.locks[key]
	if !ok || held.owner != owner {
		return
	}
	delete(l.locks, key)
	close(held.released)
}

func (l *LocalLocker) Holder(key LockKey) (proto.ReqID, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	held, ok := l.locks[key]
	if !ok {
		return proto.ReqID{}, false
	}
	return held.owner, true
}

// AcquireLocks takes keys for mut in canonical order. If mut already holds a
// key ordered after one of the new keys, everything is dropped and the union
// is retaken from the start. On failure the keys this call took are released.
func (c *MDCache) AcquireLocks(ctx context.Context, mut *Mutation, keys []LockKey) error {
	span := trace.SpanFromContextSafe(ctx)
	keys = SortLocks(keys)

	mut.lock.Lock()
	held := append([]LockKey(nil), mut.locks...)
	mut.lock.Unlock()

	restart := false
	if len(held) > 0 {
		last := SortLocks(held)
		max := last[len(last)-1]
		for _, k := range keys {
			if k.Less(max) && !containsLock(held, k) {
				restart = true
				break
			}
		}
	}
	if restart {
		span.Debugf("%s retakes %d locks in order", mut.ReqID, len(held)+len(keys))
		c.releaseLocks(mut)
		keys = SortLocks(append(held, keys...))
		held = nil
	}

	var taken []LockKey
	for _, k := range keys {
		if containsLock(held, k) {
			continue
		}
		if err := c.locker.Lock(ctx, mut.ReqID, k); err != nil {
			for i := len(taken) - 1; i >= 0; i-- {
				c.locker.Unlock(mut.ReqID, taken[i])
			}
			mut.lock.Lock()
			mut.locks = removeLocks(mut.locks, taken)
			mut.lock.Unlock()
			span.Warnf("%s lock %s failed: %v", mut.ReqID, k, err)
			return err
		}
		taken = append(taken, k)
		mut.lock.Lock()
		mut.locks = append(mut.locks, k)
		mut.lock.Unlock()
	}

	mut.lock.Lock()
	if mut.state < StateLocksAcquired {
		mut.state = StateLocksAcquired
	}
	mut.lock.Unlock()
	return nil
}

// releaseLocks drops every lock of mut in reverse acquisition order.
func (c *MDCache) releaseLocks(mut *Mutation) {
	mut.lock.Lock()
	locks := mut.locks
	mut.locks = nil
	mut.lock.Unlock()
	for i := len(locks) - 1; i >= 0; i-- {
		c.locker.Unlock(mut.ReqID, locks[i])
	}
}

// LockObjectsForUpdate locks a single inode for a general update, with its
// primary dentry and fragment.
func (c *MDCache) LockObjectsForUpdate(ctx context.Context, mut *Mutation, in *Inode, apply bool) ([]LockKey, error) {
	c.lock.Lock()
	if c.inodeMap[in.vino] != in {
		c.lock.Unlock()
		return nil, apierrors.ErrNotFound
	}
	keys := []LockKey{InodeLock(in.vino)}
	if in.parent != nil {
		keys = append(keys, DirFragLock(in.parent.dirfrag), DentryLock(in.parent.dirfrag, in.parent.name))
	}
	if apply {
		c.pinInodeLocked(mut, in)
	}
	c.lock.Unlock()

	keys = SortLocks(keys)
	if !apply {
		return keys, nil
	}
	if err := c.AcquireLocks(ctx, mut, keys); err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.inodeMap[in.vino] != in {
		return nil, c.lockConflictLocked(ctx, mut, "inode %s dropped while locking", in)
	}
	return keys, nil
}

// LockParentsForLinkUnlink orders the fragment, the dentry name and the
// inode (nil for a create) of a link or unlink. With apply false only the
// order is computed.
func (c *MDCache) LockParentsForLinkUnlink(ctx context.Context, mut *Mutation, in *Inode, dir *Dir, name string, apply bool) ([]LockKey, error) {
	keys := []LockKey{DirFragLock(dir.dirfrag), DentryLock(dir.dirfrag, name)}
	if in != nil {
		keys = append(keys, InodeLock(in.vino))
	}
	keys = SortLocks(keys)
	if !apply {
		return keys, nil
	}

	c.lock.Lock()
	if c.dirfrags[dir.dirfrag] != dir || (in != nil && c.inodeMap[in.vino] != in) {
		c.lock.Unlock()
		return nil, apierrors.ErrNotFound
	}
	c.pinDirLocked(mut, dir)
	if in != nil {
		c.pinInodeLocked(mut, in)
	}
	c.lock.Unlock()

	if err := c.AcquireLocks(ctx, mut, keys); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.dirfrags[dir.dirfrag] != dir || (in != nil && c.inodeMap[in.vino] != in) {
		return nil, c.lockConflictLocked(ctx, mut, "%s changed while locking", dir)
	}
	return keys, nil
}

// RenameLocks describes the participants of a rename.
type RenameLocks struct {
	SrcDir   *Dir
	SrcName  string
	DestDir  *Dir
	DestName string
	// moved inode
	In *Inode
	// overwritten inode, nil if the destination name is free
	OldIn *Inode
	// where an overwritten primary inode is parked, nil otherwise
	StrayDir  *Dir
	StrayName string
}

func (r *RenameLocks) keys() []LockKey {
	keys := []LockKey{
		DirFragLock(r.SrcDir.dirfrag),
		DirFragLock(r.DestDir.dirfrag),
		DentryLock(r.SrcDir.dirfrag, r.SrcName),
		DentryLock(r.DestDir.dirfrag, r.DestName),
		InodeLock(r.In.vino),
	}
	if r.OldIn != nil {
		keys = append(keys, InodeLock(r.OldIn.vino))
	}
	if r.StrayDir != nil {
		keys = append(keys, DirFragLock(r.StrayDir.dirfrag), DentryLock(r.StrayDir.dirfrag, r.StrayName))
	}
	return SortLocks(keys)
}

// LockParentsForRename orders and takes every object a rename touches,
// including the stray slot of an overwritten primary inode. The rename mutex
// is held across acquisition and validation so that two renames never
// interleave their lock sets. After locking, the source must still link
// In and the destination must still link OldIn (or be free), else all locks of
// mut are dropped and ErrLockOrderConflict is returned.
func (c *MDCache) LockParentsForRename(ctx context.Context, mut *Mutation, r *RenameLocks, apply bool) ([]LockKey, error) {
	keys := r.keys()
	if !apply {
		return keys, nil
	}

	c.renameDirMutex.Lock()
	defer c.renameDirMutex.Unlock()

	c.lock.Lock()
	if !c.renameResidentLocked(r) {
		c.lock.Unlock()
		return nil, apierrors.ErrNotFound
	}
	c.pinDirLocked(mut, r.SrcDir)
	c.pinDirLocked(mut, r.DestDir)
	c.pinInodeLocked(mut, r.In)
	if r.OldIn != nil {
		c.pinInodeLocked(mut, r.OldIn)
	}
	if r.StrayDir != nil {
		c.pinDirLocked(mut, r.StrayDir)
	}
	c.lock.Unlock()

	if err := c.AcquireLocks(ctx, mut, keys); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.renameResidentLocked(r) {
		return nil, c.lockConflictLocked(ctx, mut, "rename participants dropped while locking")
	}
	src := r.SrcDir.lookup(r.SrcName)
	if src == nil || src.linkage.Ino != r.In.Ino() {
		return nil, c.lockConflictLocked(ctx, mut, "rename source %s/%s relinked while locking", r.SrcDir, r.SrcName)
	}
	dest := r.DestDir.lookup(r.DestName)
	switch {
	case r.OldIn == nil && dest != nil:
		return nil, c.lockConflictLocked(ctx, mut, "rename dest %s/%s linked while locking", r.DestDir, r.DestName)
	case r.OldIn != nil && (dest == nil || dest.linkage.Ino != r.OldIn.Ino()):
		return nil, c.lockConflictLocked(ctx, mut, "rename dest %s/%s relinked while locking", r.DestDir, r.DestName)
	}
	if r.In.IsDir() && c.isAncestorLocked(r.In, r.DestDir) {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "rename %s under itself", r.In)
	}
	return keys, nil
}

func (c *MDCache) renameResidentLocked(r *RenameLocks) bool {
	if c.dirfrags[r.SrcDir.dirfrag] != r.SrcDir || c.dirfrags[r.DestDir.dirfrag] != r.DestDir {
		return false
	}
	if c.inodeMap[r.In.vino] != r.In {
		return false
	}
	if r.StrayDir != nil && c.dirfrags[r.StrayDir.dirfrag] != r.StrayDir {
		return false
	}
	return r.OldIn == nil || c.inodeMap[r.OldIn.vino] == r.OldIn
}

// isAncestorLocked reports whether in is dir's inode or one of its ancestors.
func (c *MDCache) isAncestorLocked(in *Inode, dir *Dir) bool {
	cur := c.inodeMap[proto.NewVIno(dir.dirfrag.Ino)]
	for cur != nil {
		if cur == in {
			return true
		}
		pdir := c.parentDirLocked(cur)
		if pdir == nil {
			return false
		}
		cur = c.inodeMap[proto.NewVIno(pdir.dirfrag.Ino)]
	}
	return false
}

func (c *MDCache) lockConflictLocked(ctx context.Context, mut *Mutation, format string, args ...interface{}) error {
	trace.SpanFromContextSafe(ctx).Infof("%s: "+format, append([]interface{}{mut.ReqID}, args...)...)
	c.lock.Unlock()
	c.releaseLocks(mut)
	c.lock.Lock()
	return apierrors.ErrLockOrderConflict
}

func containsLock(keys []LockKey, k LockKey) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

func removeLocks(keys []LockKey, drop []LockKey) []LockKey {
	ret := keys[:0]
	for _, k := range keys {
		if !containsLock(drop, k) {
			ret = append(ret, k)
		}
	}
	return ret
}
