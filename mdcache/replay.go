package mdcache

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

// ReplayInventInode materializes a placeholder for an inode referenced by the
// log before its definition.
func (c *MDCache) ReplayInventInode(ino proto.Ino, mode uint32) *Inode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.replayInventLocked(ino, mode)
}

func (c *MDCache) replayInventLocked(ino proto.Ino, mode uint32) *Inode {
	if in := c.inodeMap[proto.NewVIno(ino)]; in != nil {
		return in
	}
	in := newInode(&proto.InodeInfo{Ino: ino, Mode: mode})
	in.placeholder = true
	c.addInodeLocked(in)
	in.get(PinReplay)
	c.undefIno[ino] = in
	return in
}

// defineInodeLocked installs the definition of in and reports whether in was
// a placeholder until now.
func (c *MDCache) defineInodeLocked(in *Inode, info *proto.InodeInfo) bool {
	in.info = *info
	if !in.placeholder {
		return false
	}
	in.placeholder = false
	delete(c.undefIno, in.Ino())
	return true
}

func (c *MDCache) HasReplayUndefInodes() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.undefIno) > 0
}

func (c *MDCache) ReplayUndefInodes() []proto.Ino {
	c.lock.Lock()
	inos := make([]proto.Ino, 0, len(c.undefIno))
	for ino := range c.undefIno {
		inos = append(inos, ino)
	}
	c.lock.Unlock()
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })
	return inos
}

// OpenReplayUndefInodes looks up the definitions replay never met in the
// store. Any inode still undefined afterwards makes the log inconsistent.
func (c *MDCache) OpenReplayUndefInodes(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	for _, ino := range c.ReplayUndefInodes() {
		pool := c.cfg.MetadataPool
		c.lock.Lock()
		if in := c.undefIno[ino]; in != nil && !in.IsDir() {
			pool = c.defaultFileLayout.Pool
		}
		c.lock.Unlock()
		if _, err := c.OpenInode(ctx, ino, pool); err != nil {
			span.Warnf("open undefined inode %#x failed: %v", uint64(ino), err)
		}
	}
	if left := c.ReplayUndefInodes(); len(left) > 0 {
		c.fault(ctx, "replay_undef", "%d inodes still undefined after replay: %v", len(left), left)
		return apierrors.Wrapf(apierrors.ErrReplayInconsistency, "%d undefined inodes", len(left))
	}
	return nil
}

// ReplayJournal applies every event of the log and returns the last sequence.
func (c *MDCache) ReplayJournal(ctx context.Context) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	r := &replayer{c: c, ctx: ctx}
	last := uint64(0)
	n := 0
	err := c.journal.Replay(ctx, 0, func(seq uint64, ev journal.Event) error {
		var blob *journal.MetaBlob
		switch e := ev.(type) {
		case *journal.EUpdate:
			blob = e.Blob
		case *journal.ESubtreeMap:
			blob = e.Blob
		}
		if blob != nil {
			if err := blob.Replay(r); err != nil {
				return err
			}
		}
		last = seq
		n++
		return nil
	})
	if err != nil {
		return last, err
	}

	c.lock.Lock()
	if last > c.lastApply {
		c.lastApply = last
	}
	c.lock.Unlock()
	span.Infof("replayed %d journal events, last seq: %d", n, last)
	return last, nil
}

// replayer applies the post-state records of a blob to the cache.
type replayer struct {
	c   *MDCache
	ctx context.Context
}

func (r *replayer) ReplayRoot(info *proto.InodeInfo) error {
	c := r.c
	c.lock.Lock()
	defer c.lock.Unlock()
	in := c.inodeMap[proto.NewVIno(info.Ino)]
	if in == nil {
		in = newInode(info)
		c.addInodeLocked(in)
		in.get(PinBase)
	} else if c.defineInodeLocked(in, info) {
		in.get(PinBase)
		c.putInodeLocked(in, PinReplay)
	}
	if !in.IsDirty() {
		c.markInodeDirtyLocked(in)
	}
	return nil
}

func (r *replayer) ReplayDir(df proto.DirFrag, fnode *proto.Fnode, dirty bool) error {
	c := r.c
	c.lock.Lock()
	diri := c.inodeMap[proto.NewVIno(df.Ino)]
	if diri == nil {
		diri = c.replayInventLocked(df.Ino, proto.ModeDir)
	}
	dir := c.dirfrags[df]
	c.lock.Unlock()

	if dir == nil {
		obj, err := c.store.FetchDirFrag(r.ctx, df)
		if err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
			return err
		}
		c.lock.Lock()
		if obj != nil {
			dir = c.loadDirLocked(diri, obj)
		} else if dir = c.dirfrags[df]; dir == nil {
			dir = c.addDirLocked(diri, df)
			dir.complete = true
		}
		c.lock.Unlock()
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	dir.fnode = *fnode
	if dirty && !dir.IsDirty() {
		c.markDirDirtyLocked(dir)
	}
	return nil
}

func (r *replayer) ReplayDentry(df proto.DirFrag, d *journal.DentryLump) error {
	c := r.c
	c.lock.Lock()
	defer c.lock.Unlock()
	dir := c.dirfrags[df]
	if dir == nil {
		return apierrors.Wrapf(apierrors.ErrReplayInconsistency, "dentry %s/%s without fragment", df, d.Name)
	}
	dir.get(PinReplay)
	defer c.putDirLocked(dir, PinReplay)
	existing := dir.lookup(d.Name)

	switch {
	case d.Null:
		if existing != nil {
			c.unlinkDentryLocked(dir, existing)
		}
	case d.Remote:
		if existing != nil {
			c.unlinkDentryLocked(dir, existing)
		}
		c.linkRemoteLocked(dir, d.Name, d.Ino, d.DType, d.Version)
		if c.inodeMap[proto.NewVIno(d.Ino)] == nil {
			mode := proto.ModeReg
			if d.DType == proto.DTDir {
				mode = proto.ModeDir
			}
			c.replayInventLocked(d.Ino, mode)
		}
	default:
		if d.Inode == nil {
			return apierrors.Wrapf(apierrors.ErrReplayInconsistency, "primary dentry %s/%s without inode", df, d.Name)
		}
		in := c.inodeMap[proto.NewVIno(d.Ino)]
		defined := false
		if in == nil {
			in = newInode(d.Inode)
			c.addInodeLocked(in)
		} else {
			defined = c.defineInodeLocked(in, d.Inode)
		}
		// the dirty pin keeps in resident while its linkage moves
		if !in.IsDirty() {
			c.markInodeDirtyLocked(in)
		}
		if existing != nil && (existing.linkage.Remote || existing.linkage.Ino != in.Ino()) {
			c.unlinkDentryLocked(dir, existing)
			existing = nil
		}
		if existing != nil && in.parent != nil && in.parent.dirfrag == df && in.parent.name == d.Name {
			existing.version = d.Version
		} else {
			if existing != nil {
				c.unlinkDentryLocked(dir, existing)
			}
			if old := c.primaryDentryLocked(in); old != nil {
				c.unlinkDentryLocked(c.dirfrags[old.dirfrag], old)
			}
			c.linkPrimaryLocked(dir, d.Name, in, d.Version)
		}
		if defined {
			c.putInodeLocked(in, PinReplay)
		}
	}
	return nil
}
