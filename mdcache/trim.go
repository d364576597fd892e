package mdcache

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

const defaultFlushConcurrency = 16

// trimmableLocked reports whether in can leave the cache: clean, resolved,
// not a system inode and held by nothing but its primary dentry, which sits
// in a clean fragment no request is using.
func (c *MDCache) trimmableLocked(in *Inode) bool {
	if in.IsDirty() || in.placeholder || proto.IsSystem(in.Ino()) {
		return false
	}
	if len(in.caps) > 0 || !in.onlyPinned(PinDentry) {
		return false
	}
	if in.parent == nil {
		return in.ref == 0
	}
	dir := c.parentDirLocked(in)
	if dir == nil || dir.IsDirty() || dir.Pinned(PinRequest) > 0 {
		return false
	}
	dn := dir.lookup(in.parent.name)
	return dn != nil && dn.ref == 0
}

func (c *MDCache) trimInodeLocked(in *Inode) {
	if in.parent == nil {
		c.removeInodeLocked(in)
		return
	}
	dir := c.parentDirLocked(in)
	dn := dir.lookup(in.parent.name)
	dir.complete = false
	c.unlinkDentryLocked(dir, dn)
}

// Trim evicts clean unreferenced inodes, least recently touched first, until
// at most max remain. It returns the number of inodes evicted.
func (c *MDCache) Trim(max int) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	trimmed := 0
	for len(c.inodeMap) > max {
		for _, dir := range c.dirfrags {
			if dir.ref == 0 {
				c.removeDirLocked(dir)
			}
		}

		var cands []*Inode
		for _, in := range c.inodeMap {
			if c.trimmableLocked(in) {
				cands = append(cands, in)
			}
		}
		if len(cands) == 0 {
			break
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].lastTouch < cands[j].lastTouch })

		progress := false
		for _, in := range cands {
			if len(c.inodeMap) <= max {
				break
			}
			// an earlier eviction in this pass may have changed its state
			if c.inodeMap[in.vino] != in || !c.trimmableLocked(in) {
				continue
			}
			c.trimInodeLocked(in)
			trimmed++
			progress = true
		}
		if !progress {
			break
		}
	}
	return trimmed
}

// TrimDentry drops dn from its clean fragment along with the inode it links,
// if neither is in use.
func (c *MDCache) TrimDentry(dn *Dentry) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	dir := c.dirfrags[dn.dirfrag]
	if dir == nil || dir.lookup(dn.name) != dn || dn.ref > 0 {
		return false
	}
	if dir.IsDirty() || dir.Pinned(PinRequest) > 0 {
		return false
	}
	if dn.linkage.IsPrimary() {
		if in := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]; in != nil {
			if !c.trimmableLocked(in) {
				return false
			}
			c.trimInodeLocked(in)
			return true
		}
	}
	dir.complete = false
	c.unlinkDentryLocked(dir, dn)
	return true
}

// TrimInode drops in together with its primary dentry dn.
func (c *MDCache) TrimInode(dn *Dentry, in *Inode) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.inodeMap[in.vino] != in || in.parent == nil {
		return false
	}
	if in.parent.dirfrag != dn.dirfrag || in.parent.name != dn.name {
		return false
	}
	if !c.trimmableLocked(in) {
		return false
	}
	c.trimInodeLocked(in)
	return true
}

type dirSnapshot struct {
	dir    *Dir
	gen    uint64
	obj    *proto.DirFragObject
	inodes map[*Inode]uint64
}

type backtraceSnapshot struct {
	in     *Inode
	parent dentryKey
	bt     *proto.Backtrace
}

type inodeSnapshot struct {
	in   *Inode
	gen  uint64
	info proto.InodeInfo
}

// Flush persists dirty fragments, base inodes and changed backtraces, and
// marks what it wrote clean. Objects in use by a request are left for the
// next round; the journal is expired only when nothing was left.
func (c *MDCache) Flush(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := c.completeDirtyDirs(ctx); err != nil {
		return err
	}

	c.lock.Lock()
	lastApply := c.lastApply
	skipped := false
	dirs := make(map[*Dir]struct{})
	var bases []*inodeSnapshot
	var backtraces []*backtraceSnapshot

	for _, dir := range c.dirfrags {
		if !dir.IsDirty() {
			continue
		}
		if dir.Pinned(PinRequest) > 0 || !dir.complete {
			skipped = true
			continue
		}
		dirs[dir] = struct{}{}
	}
	for _, in := range c.inodeMap {
		if in.Pinned(PinRequest) > 0 || in.placeholder {
			if in.IsDirty() || in.backtraceDirty {
				skipped = true
			}
			continue
		}
		if in.IsBase() {
			if in.IsDirty() {
				bases = append(bases, &inodeSnapshot{in: in, gen: in.gen, info: in.info})
			}
			continue
		}
		if in.parent == nil {
			if in.IsDirty() {
				span.Debugf("drop dirty state of unlinked %s", in)
				c.markInodeCleanLocked(in)
			}
			continue
		}
		if in.backtraceDirty {
			backtraces = append(backtraces, &backtraceSnapshot{in: in, parent: *in.parent, bt: c.buildBacktraceLocked(in)})
		}
		if !in.IsDirty() {
			continue
		}
		dir := c.parentDirLocked(in)
		if dir == nil || dir.Pinned(PinRequest) > 0 || !dir.complete {
			skipped = true
			continue
		}
		dirs[dir] = struct{}{}
	}

	var snaps []*dirSnapshot
	for dir := range dirs {
		snap, ok := c.snapshotDirLocked(dir)
		if !ok {
			skipped = true
			continue
		}
		snaps = append(snaps, snap)
	}
	c.lock.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFlushConcurrency)
	for _, snap := range snaps {
		snap := snap
		g.Go(func() error { return c.store.StoreDirFrag(gctx, snap.obj) })
	}
	for _, b := range bases {
		b := b
		g.Go(func() error { return c.store.StoreInode(gctx, &b.info) })
	}
	for _, bt := range backtraces {
		bt := bt
		g.Go(func() error { return c.store.StoreBacktrace(gctx, bt.bt) })
	}
	if err := g.Wait(); err != nil {
		span.Errorf("flush failed: %s", errors.Detail(err))
		return errors.Info(err, "flush failed")
	}

	c.lock.Lock()
	for _, snap := range snaps {
		if c.dirfrags[snap.dir.dirfrag] == snap.dir && snap.dir.gen == snap.gen {
			c.markDirCleanLocked(snap.dir)
		} else {
			skipped = true
		}
		for in, gen := range snap.inodes {
			if in.gen == gen && c.inodeMap[in.vino] == in {
				c.markInodeCleanLocked(in)
			}
		}
	}
	for _, b := range bases {
		if b.in.gen == b.gen {
			c.markInodeCleanLocked(b.in)
		} else {
			skipped = true
		}
	}
	for _, bt := range backtraces {
		if bt.in.parent != nil && *bt.in.parent == bt.parent {
			bt.in.backtraceDirty = false
		}
	}
	c.lock.Unlock()

	span.Debugf("flushed %d dirfrags, %d base inodes, %d backtraces, skipped: %v",
		len(snaps), len(bases), len(backtraces), skipped)
	if skipped || c.journal == nil || lastApply == 0 {
		return nil
	}
	return c.journal.Expire(ctx, lastApply)
}

// completeDirtyDirs loads the trimmed dentries of dirty fragments so that
// they are written whole.
func (c *MDCache) completeDirtyDirs(ctx context.Context) error {
	c.lock.Lock()
	var incomplete []proto.DirFrag
	for df, dir := range c.dirfrags {
		if dir.IsDirty() && !dir.complete {
			incomplete = append(incomplete, df)
		}
	}
	for _, in := range c.inodeMap {
		if !in.IsDirty() || in.parent == nil {
			continue
		}
		if dir := c.parentDirLocked(in); dir != nil && !dir.complete {
			incomplete = append(incomplete, dir.dirfrag)
		}
	}
	c.lock.Unlock()

	for _, df := range incomplete {
		if err := c.fetchDir(ctx, df); err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (c *MDCache) snapshotDirLocked(dir *Dir) (*dirSnapshot, bool) {
	snap := &dirSnapshot{
		dir:    dir,
		gen:    dir.gen,
		obj:    &proto.DirFragObject{DirFrag: dir.dirfrag, Fnode: dir.fnode},
		inodes: make(map[*Inode]uint64),
	}
	ok := true
	dir.forEach(func(dn *Dentry) bool {
		rec := proto.DentryRecord{
			Name:    dn.name,
			Ino:     dn.linkage.Ino,
			DType:   dn.linkage.DType,
			Remote:  dn.linkage.Remote,
			Version: dn.version,
		}
		if dn.linkage.IsPrimary() {
			in := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]
			if in == nil || in.placeholder || in.Pinned(PinRequest) > 0 {
				ok = false
				return false
			}
			info := in.info
			rec.Inode = &info
			snap.inodes[in] = in.gen
		}
		snap.obj.Dentries = append(snap.obj.Dentries, rec)
		return true
	})
	return snap, ok
}

// buildBacktraceLocked collects the resident ancestors of in, nearest first.
func (c *MDCache) buildBacktraceLocked(in *Inode) *proto.Backtrace {
	bt := &proto.Backtrace{Ino: in.Ino(), Pool: in.info.Layout.Pool}
	if in.IsDir() {
		bt.Pool = c.cfg.MetadataPool
	}
	for cur := in; cur != nil && cur.parent != nil; {
		bp := proto.Backpointer{DirIno: cur.parent.dirfrag.Ino, Name: cur.parent.name}
		if dir := c.dirfrags[cur.parent.dirfrag]; dir != nil {
			if dn := dir.lookup(cur.parent.name); dn != nil {
				bp.Version = dn.version
			}
		}
		bt.Ancestors = append(bt.Ancestors, bp)
		cur = c.inodeMap[proto.NewVIno(cur.parent.dirfrag.Ino)]
	}
	return bt
}

// AddCap records that a client holds cap on in, keeping in resident.
func (c *MDCache) AddCap(in *Inode, capID proto.CapID) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := in.caps[capID]; ok {
		return
	}
	in.caps[capID] = struct{}{}
	in.get(PinCaps)
}

func (c *MDCache) RemoveCap(in *Inode, capID proto.CapID) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := in.caps[capID]; !ok {
		return apierrors.ErrNotFound
	}
	delete(in.caps, capID)
	c.putInodeLocked(in, PinCaps)
	return nil
}

func (c *MDCache) NumCaps(in *Inode) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(in.caps)
}
