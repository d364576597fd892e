package mdcache

import (
	"context"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

func NewInode(info *proto.InodeInfo) *Inode {
	return newInode(info)
}

// GetInode looks up a resident inode. A miss has no side effect.
func (c *MDCache) GetInode(vino proto.VIno) *Inode {
	c.lock.Lock()
	defer c.lock.Unlock()
	in := c.inodeMap[vino]
	if in != nil {
		in.lastTouch = c.touchLocked()
	}
	return in
}

func (c *MDCache) GetInodeByIno(ino proto.Ino) *Inode {
	return c.GetInode(proto.NewVIno(ino))
}

func (c *MDCache) GetDirFrag(df proto.DirFrag) *Dir {
	c.lock.Lock()
	defer c.lock.Unlock()
	dir := c.dirfrags[df]
	if dir != nil {
		dir.lastTouch = c.touchLocked()
	}
	return dir
}

// GetInodeInfo returns a copy of the current attributes of in.
func (c *MDCache) GetInodeInfo(in *Inode) proto.InodeInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	return in.info
}

func (c *MDCache) GetFnode(dir *Dir) proto.Fnode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return dir.fnode
}

// AddInode registers in under its identity.
func (c *MDCache) AddInode(ctx context.Context, in *Inode) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.addInodeLocked(in); err != nil {
		c.fault(ctx, "duplicate_inode", "add %s failed: already resident", in)
		return err
	}
	return nil
}

// RemoveInode deregisters an unreferenced inode.
func (c *MDCache) RemoveInode(in *Inode) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.inodeMap[in.vino] != in {
		return apierrors.ErrNotFound
	}
	if in.ref > 0 {
		return apierrors.ErrRefHeld
	}
	c.removeInodeLocked(in)
	return nil
}

// RemoveInodeRecursive drops in and every resident descendant regardless of
// references, for subtrees whose cached state is no longer valid.
func (c *MDCache) RemoveInodeRecursive(in *Inode) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.removeInodeRecursiveLocked(in)
}

func (c *MDCache) PinInode(in *Inode, t PinType) {
	c.lock.Lock()
	in.get(t)
	c.lock.Unlock()
}

func (c *MDCache) UnpinInode(in *Inode, t PinType) {
	c.lock.Lock()
	c.putInodeLocked(in, t)
	c.lock.Unlock()
}

func (c *MDCache) touchLocked() uint64 {
	c.touchSeq++
	return c.touchSeq
}

func (c *MDCache) addInodeLocked(in *Inode) error {
	if _, ok := c.inodeMap[in.vino]; ok {
		return apierrors.ErrDuplicateIdentity
	}
	in.lastTouch = c.touchLocked()
	c.inodeMap[in.vino] = in
	c.registerSystemLocked(in)
	return nil
}

func (c *MDCache) registerSystemLocked(in *Inode) {
	ino := in.Ino()
	switch {
	case ino == proto.RootIno:
		c.root = in
	case ino == proto.MDSDirIno(c.cfg.Rank):
		c.myin = in
	case proto.IsStray(ino):
		idx := int(ino-proto.StrayIno(c.cfg.Rank, 0)) % proto.NumStray
		if proto.StrayIno(c.cfg.Rank, idx) == ino {
			c.strays[idx] = in
		}
	}
}

func (c *MDCache) removeInodeLocked(in *Inode) {
	if c.inodeMap[in.vino] != in {
		return
	}
	delete(c.inodeMap, in.vino)
	delete(c.undefIno, in.Ino())
	switch {
	case c.root == in:
		c.root = nil
	case c.myin == in:
		c.myin = nil
	case in.IsStray():
		for i := range c.strays {
			if c.strays[i] == in {
				c.strays[i] = nil
			}
		}
	}
}

func (c *MDCache) removeInodeRecursiveLocked(in *Inode) {
	if dir := c.dirfrags[proto.DirFrag{Ino: in.Ino()}]; dir != nil {
		var children []*Dentry
		dir.forEach(func(dn *Dentry) bool {
			children = append(children, dn)
			return true
		})
		for _, dn := range children {
			if dn.linkage.IsPrimary() {
				if child := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]; child != nil {
					c.removeInodeRecursiveLocked(child)
					continue
				}
			}
			c.unlinkDentryLocked(dir, dn)
		}
		c.closeDirLocked(dir)
	}
	if in.parent != nil {
		if pdir := c.dirfrags[in.parent.dirfrag]; pdir != nil {
			if dn := pdir.lookup(in.parent.name); dn != nil {
				c.unlinkDentryLocked(pdir, dn)
			}
		}
	}
	c.removeInodeLocked(in)
}

func (c *MDCache) putInodeLocked(in *Inode, t PinType) {
	in.put(t)
	if in.ref == 0 {
		c.removeInodeLocked(in)
	}
}

func (c *MDCache) addDirLocked(diri *Inode, df proto.DirFrag) *Dir {
	dir := newDir(df)
	dir.lastTouch = c.touchLocked()
	c.dirfrags[df] = dir
	diri.get(PinDirFrag)
	return dir
}

func (c *MDCache) putDirLocked(dir *Dir, t PinType) {
	dir.put(t)
	if dir.ref == 0 {
		c.removeDirLocked(dir)
	}
}

func (c *MDCache) removeDirLocked(dir *Dir) {
	if c.dirfrags[dir.dirfrag] != dir {
		return
	}
	delete(c.dirfrags, dir.dirfrag)
	if diri := c.inodeMap[proto.NewVIno(dir.dirfrag.Ino)]; diri != nil {
		c.putInodeLocked(diri, PinDirFrag)
	}
}

// closeDirLocked drops an empty fragment whatever its pins.
func (c *MDCache) closeDirLocked(dir *Dir) {
	dir.dirty = 0
	dir.pinSet = pinSet{}
	c.removeDirLocked(dir)
}

func (c *MDCache) markInodeDirtyLocked(in *Inode) {
	if in.dirty == 0 {
		in.get(PinDirty)
	}
	in.dirty++
	in.gen++
}

func (c *MDCache) undirtyInodeLocked(in *Inode) {
	if in.dirty == 0 {
		return
	}
	in.dirty--
	if in.dirty == 0 {
		c.putInodeLocked(in, PinDirty)
	}
}

func (c *MDCache) markInodeCleanLocked(in *Inode) {
	if in.dirty > 0 {
		in.dirty = 0
		c.putInodeLocked(in, PinDirty)
	}
}

func (c *MDCache) markDirDirtyLocked(dir *Dir) {
	if dir.dirty == 0 {
		dir.get(PinDirty)
	}
	dir.dirty++
	dir.gen++
}

func (c *MDCache) undirtyDirLocked(dir *Dir) {
	if dir.dirty == 0 {
		return
	}
	dir.dirty--
	if dir.dirty == 0 {
		c.putDirLocked(dir, PinDirty)
	}
}

func (c *MDCache) markDirCleanLocked(dir *Dir) {
	if dir.dirty > 0 {
		dir.dirty = 0
		c.putDirLocked(dir, PinDirty)
	}
}

func (c *MDCache) linkPrimaryLocked(dir *Dir, name string, in *Inode, version uint64) *Dentry {
	dn := &Dentry{
		dirfrag: dir.dirfrag,
		name:    name,
		linkage: Linkage{Ino: in.Ino(), DType: proto.ModeToDType(in.info.Mode)},
		version: version,
	}
	c.relinkLocked(dir, dn)
	return dn
}

func (c *MDCache) linkRemoteLocked(dir *Dir, name string, ino proto.Ino, dtype uint8, version uint64) *Dentry {
	dn := &Dentry{
		dirfrag: dir.dirfrag,
		name:    name,
		linkage: Linkage{Ino: ino, DType: dtype, Remote: true},
		version: version,
	}
	c.relinkLocked(dir, dn)
	return dn
}

// relinkLocked inserts dn into dir and takes the linkage pins.
func (c *MDCache) relinkLocked(dir *Dir, dn *Dentry) {
	dir.dentries.ReplaceOrInsert(dn)
	dir.get(PinChild)
	if !dn.linkage.IsPrimary() {
		return
	}
	if in := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]; in != nil {
		in.parent = &dentryKey{dirfrag: dir.dirfrag, name: dn.name}
		in.backtraceDirty = true
		in.get(PinDentry)
	}
}

func (c *MDCache) unlinkDentryLocked(dir *Dir, dn *Dentry) {
	if dir.lookup(dn.name) != dn {
		return
	}
	dir.dentries.Delete(dn)
	if dn.linkage.IsPrimary() {
		in := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]
		if in != nil && in.parent != nil && in.parent.dirfrag == dir.dirfrag && in.parent.name == dn.name {
			in.parent = nil
			in.backtraceDirty = true
			c.putInodeLocked(in, PinDentry)
		}
	}
	c.putDirLocked(dir, PinChild)
}

// parentDirLocked resolves the weak parent key of in.
func (c *MDCache) parentDirLocked(in *Inode) *Dir {
	if in.parent == nil {
		return nil
	}
	return c.dirfrags[in.parent.dirfrag]
}

func (c *MDCache) primaryDentryLocked(in *Inode) *Dentry {
	dir := c.parentDirLocked(in)
	if dir == nil {
		return nil
	}
	return dir.lookup(in.parent.name)
}
