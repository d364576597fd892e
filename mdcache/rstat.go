package mdcache

import (
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

// predirty flags
const (
	// the inode's primary linkage: nested statistics move with it
	PredirtyPrimary = 1 << iota
	// the parent's own fragment statistics and mtime change
	PredirtyDir
	// stop after the immediate parent
	PredirtyShallow
)

// rstatDelta is what linking (1), unlinking (-1) or updating (0) info changes
// in its parent fragment.
func rstatDelta(info *proto.InodeInfo, linkunlink int) proto.NestStat {
	delta := proto.NestStat{}
	switch {
	case linkunlink == 0:
		delta.AddDelta(&info.Rstat, &info.AccountedRstat)
	case linkunlink < 0:
		delta.Add(&info.AccountedRstat, -1)
	default:
		delta.Add(&info.Rstat, 1)
	}
	return delta
}

// ProjectRstatInodeToFrag folds the nested statistics of a child into its
// parent fragment and records them as accounted. It returns the delta the
// fragment received.
func ProjectRstatInodeToFrag(info *proto.InodeInfo, fnode *proto.Fnode, linkunlink int) proto.NestStat {
	delta := rstatDelta(info, linkunlink)
	fnode.Rstat.Add(&delta, 1)
	info.AccountedRstat = info.Rstat
	return delta
}

// ProjectRstatFragToInode folds what a fragment gathered since the last
// projection into its directory inode.
func ProjectRstatFragToInode(fnode *proto.Fnode, info *proto.InodeInfo) proto.NestStat {
	delta := proto.NestStat{}
	delta.AddDelta(&fnode.Rstat, &fnode.AccountedRstat)
	info.Rstat.Add(&delta, 1)
	fnode.AccountedRstat = fnode.Rstat

	fdelta := proto.FragStat{}
	fdelta.AddDelta(&fnode.Fragstat, &fnode.AccountedFragstat)
	info.Dirstat.Add(&fdelta, 1)
	fnode.AccountedFragstat = fnode.Fragstat
	return delta
}

// addNest adds d into n and returns the inverse. rctime is put back only
// when nothing raised it further in between.
func addNest(n *proto.NestStat, d *proto.NestStat) func() {
	prev := n.Rctime
	n.Add(d, 1)
	raised := n.Rctime
	delta := *d
	return func() {
		n.Add(&delta, -1)
		if n.Rctime == raised {
			n.Rctime = prev
		}
	}
}

func addFrag(f *proto.FragStat, d *proto.FragStat) func() {
	prev := f.Mtime
	f.Add(d, 1)
	raised := f.Mtime
	delta := *d
	return func() {
		f.Add(&delta, -1)
		if f.Mtime == raised {
			f.Mtime = prev
		}
	}
}

func (c *MDCache) projectInodeToFragLocked(mut *Mutation, in *Inode, dir *Dir, linkunlink int) {
	delta := rstatDelta(&in.info, linkunlink)
	acc := proto.NestStat{}
	acc.AddDelta(&in.info.Rstat, &in.info.AccountedRstat)
	mut.addUndo(addNest(&dir.fnode.Rstat, &delta))
	mut.addUndo(addNest(&in.info.AccountedRstat, &acc))
}

func (c *MDCache) projectFragToInodeLocked(mut *Mutation, dir *Dir, in *Inode) {
	delta := proto.NestStat{}
	delta.AddDelta(&dir.fnode.Rstat, &dir.fnode.AccountedRstat)
	mut.addUndo(addNest(&in.info.Rstat, &delta))
	mut.addUndo(addNest(&dir.fnode.AccountedRstat, &delta))

	fdelta := proto.FragStat{}
	fdelta.AddDelta(&dir.fnode.Fragstat, &dir.fnode.AccountedFragstat)
	mut.addUndo(addFrag(&in.info.Dirstat, &fdelta))
	mut.addUndo(addFrag(&dir.fnode.AccountedFragstat, &fdelta))
}

// PredirtyJournalParents dirties the ancestors of in and records their
// post-state into blob, leaf first. parent is the fragment to start from; nil
// means the fragment of in's primary dentry. Calling it again for the same
// mutation dirties nothing twice and never counts the same link twice.
func (c *MDCache) PredirtyJournalParents(mut *Mutation, blob *journal.MetaBlob, in *Inode, parent *Dir, flags int, linkunlink int) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := mut.checkMutable(); err != nil {
		return err
	}
	if parent == nil {
		parent = c.parentDirLocked(in)
	}

	cur := in
	primary := flags&PredirtyPrimary != 0
	for first := true; parent != nil; first = false {
		lu := 0
		if first {
			lu = linkunlink
		}
		key := projectKey{child: cur.vino, dirfrag: parent.dirfrag, linkunlink: lu}
		_, seen := mut.projected[key]
		mut.projected[key] = struct{}{}
		if seen {
			lu = 0
		}

		c.dirtyDirLocked(mut, parent)
		if first && flags&PredirtyDir != 0 {
			if lu != 0 {
				d := proto.FragStat{}
				if cur.IsDir() {
					d.NSubdirs = int64(lu)
				} else {
					d.NFiles = int64(lu)
				}
				mut.addUndo(addFrag(&parent.fnode.Fragstat, &d))
			}
			mut.addUndo(addFrag(&parent.fnode.Fragstat, &proto.FragStat{Mtime: mut.stamp}))
			mut.addUndo(addNest(&parent.fnode.Rstat, &proto.NestStat{Rctime: mut.stamp}))
		}
		linked := primary || !first
		if linked {
			c.dirtyInodeLocked(mut, cur)
			c.projectInodeToFragLocked(mut, cur, parent, lu)
		}

		record := func() {
			if dn := c.primaryDentryLocked(cur); linked && dn != nil && dn.dirfrag == parent.dirfrag {
				blob.AddPrimaryDentry(parent.dirfrag, &parent.fnode, dn.name, dn.version, &cur.info)
			} else {
				blob.AddDir(parent.dirfrag, &parent.fnode, true)
			}
		}
		if flags&PredirtyShallow != 0 {
			record()
			break
		}

		pin := c.inodeMap[proto.NewVIno(parent.dirfrag.Ino)]
		if pin == nil {
			record()
			break
		}
		c.dirtyInodeLocked(mut, pin)
		c.projectFragToInodeLocked(mut, parent, pin)
		// the fragment is recorded with what it has handed to its inode
		record()
		if pin.IsBase() {
			blob.AddRoot(&pin.info)
			break
		}
		cur = pin
		parent = c.parentDirLocked(pin)
	}
	return nil
}

// JournalDirtyInode records the post-state of in, with its ancestors when it
// is linked below a base inode.
func (c *MDCache) JournalDirtyInode(mut *Mutation, blob *journal.MetaBlob, in *Inode) error {
	c.lock.Lock()
	if in.IsBase() || in.parent == nil {
		defer c.lock.Unlock()
		if err := mut.checkMutable(); err != nil {
			return err
		}
		c.dirtyInodeLocked(mut, in)
		blob.AddRoot(&in.info)
		return nil
	}
	c.lock.Unlock()
	return c.PredirtyJournalParents(mut, blob, in, nil, PredirtyPrimary, 0)
}

// JournalDentry records the current linkage of name in dir, null if unlinked.
func (c *MDCache) JournalDentry(blob *journal.MetaBlob, dir *Dir, name string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	dn := dir.lookup(name)
	switch {
	case dn == nil:
		blob.AddNullDentry(dir.dirfrag, &dir.fnode, name, dir.fnode.Version)
	case dn.linkage.Remote:
		blob.AddRemoteDentry(dir.dirfrag, &dir.fnode, name, dn.version, dn.linkage.Ino, dn.linkage.DType)
	default:
		if in := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]; in != nil {
			blob.AddPrimaryDentry(dir.dirfrag, &dir.fnode, name, dn.version, &in.info)
		}
	}
}
