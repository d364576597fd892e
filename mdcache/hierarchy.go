package mdcache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

const systemDirMode = proto.ModeDir | 0o755

func (c *MDCache) InitLayouts() {
	c.defaultFileLayout = proto.FileLayout{
		Pool:        c.cfg.DefaultFilePool,
		StripeUnit:  c.cfg.StripeUnit,
		StripeCount: c.cfg.StripeCount,
		ObjectSize:  c.cfg.ObjectSize,
	}
	c.defaultLogLayout = c.defaultFileLayout
	c.defaultLogLayout.Pool = c.cfg.DefaultLogPool
}

func (c *MDCache) DefaultFileLayout() proto.FileLayout {
	return c.defaultFileLayout
}

func (c *MDCache) DefaultLogLayout() proto.FileLayout {
	return c.defaultLogLayout
}

func (c *MDCache) MetadataPool() int64 {
	return c.cfg.MetadataPool
}

func (c *MDCache) Root() *Inode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.root
}

func (c *MDCache) Mydir() *Inode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.myin
}

// CreateSystemInode registers a dirty system inode that is never trimmed.
func (c *MDCache) CreateSystemInode(ino proto.Ino, mode uint32) (*Inode, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.createSystemInodeLocked(ino, mode)
}

func (c *MDCache) createSystemInodeLocked(ino proto.Ino, mode uint32) (*Inode, error) {
	info := &proto.InodeInfo{Ino: ino, Mode: mode, Nlink: 1, Version: 1}
	if proto.IsDirMode(mode) {
		info.Layout = c.defaultFileLayout
		info.Rstat.Rsubdirs = 1
	} else {
		info.Layout = c.defaultLogLayout
		info.Rstat.Rfiles = 1
	}
	in := newInode(info)
	if err := c.addInodeLocked(in); err != nil {
		return nil, apierrors.Wrapf(err, "system %s", in)
	}
	in.get(PinBase)
	c.markInodeDirtyLocked(in)
	return in, nil
}

func (c *MDCache) createSystemDirLocked(ino proto.Ino, mode uint32) (*Inode, *Dir, error) {
	in, err := c.createSystemInodeLocked(ino, mode)
	if err != nil {
		return nil, nil, err
	}
	dir := c.addDirLocked(in, proto.DirFrag{Ino: ino, Frag: proto.FragRoot})
	dir.complete = true
	dir.fnode.Version = 1
	dir.get(PinBase)
	c.markDirDirtyLocked(dir)
	return in, dir, nil
}

// CreateEmptyHierarchy creates the root directory of a new filesystem.
func (c *MDCache) CreateEmptyHierarchy(ctx context.Context) error {
	c.lock.Lock()
	_, _, err := c.createSystemDirLocked(proto.RootIno, systemDirMode)
	c.lock.Unlock()
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("created root hierarchy")
	return nil
}

// CreateMydirHierarchy creates the private directory of this rank with its
// stray directories and persists them.
func (c *MDCache) CreateMydirHierarchy(ctx context.Context) error {
	c.lock.Lock()
	myin, mydir, err := c.createSystemDirLocked(proto.MDSDirIno(c.cfg.Rank), systemDirMode)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	for i := 0; i < proto.NumStray; i++ {
		stray, _, err := c.createSystemDirLocked(proto.StrayIno(c.cfg.Rank, i), proto.ModeDir|0o700)
		if err != nil {
			c.lock.Unlock()
			return err
		}
		mydir.fnode.Version++
		c.linkPrimaryLocked(mydir, strayName(i), stray, mydir.fnode.Version)
		mydir.fnode.Fragstat.NSubdirs++
		ProjectRstatInodeToFrag(&stray.info, &mydir.fnode, 1)
	}
	ProjectRstatFragToInode(&mydir.fnode, &myin.info)
	c.lock.Unlock()

	trace.SpanFromContextSafe(ctx).Infof("created mydir %s with %d strays", myin, proto.NumStray)
	return c.Flush(ctx)
}

func strayName(i int) string {
	return fmt.Sprintf("stray%d", i)
}

// OpenRootAndMydir loads the base inodes and their fragments from the store.
func (c *MDCache) OpenRootAndMydir(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ino := range []proto.Ino{proto.RootIno, proto.MDSDirIno(c.cfg.Rank)} {
		ino := ino
		g.Go(func() error {
			return c.openBaseInode(gctx, ino)
		})
	}
	return g.Wait()
}

func (c *MDCache) openBaseInode(ctx context.Context, ino proto.Ino) error {
	if c.GetInodeByIno(ino) == nil {
		info, err := c.store.FetchInode(ctx, ino)
		if err != nil {
			return apierrors.Wrapf(err, "open base inode %#x", uint64(ino))
		}
		c.lock.Lock()
		in := c.inodeMap[proto.NewVIno(ino)]
		if in == nil {
			in = newInode(info)
			c.addInodeLocked(in)
			in.get(PinBase)
		}
		c.lock.Unlock()
	}
	return c.fetchBaseDir(ctx, proto.DirFrag{Ino: ino, Frag: proto.FragRoot})
}

// fetchBaseDir loads a fragment of a system directory and keeps it resident,
// even while it is clean and empty.
func (c *MDCache) fetchBaseDir(ctx context.Context, df proto.DirFrag) error {
	c.lock.Lock()
	dir := c.dirfrags[df]
	c.lock.Unlock()
	if dir == nil || !dir.IsComplete() {
		if err := c.fetchDir(ctx, df); err != nil {
			return err
		}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if dir = c.dirfrags[df]; dir == nil {
		return apierrors.Wrapf(apierrors.ErrNotFound, "%s dropped after fetch", df)
	}
	if dir.Pinned(PinBase) == 0 {
		dir.get(PinBase)
	}
	return nil
}

// PopulateMydir pins the strays of this rank and loads their fragments.
func (c *MDCache) PopulateMydir(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	mydf := proto.DirFrag{Ino: proto.MDSDirIno(c.cfg.Rank), Frag: proto.FragRoot}
	if err := c.fetchBaseDir(ctx, mydf); err != nil {
		return err
	}

	c.lock.Lock()
	for i := 0; i < proto.NumStray; i++ {
		stray := c.strays[i]
		if stray == nil {
			c.lock.Unlock()
			return apierrors.Wrapf(apierrors.ErrNotFound, "stray%d of rank %d", i, c.cfg.Rank)
		}
		if stray.Pinned(PinBase) == 0 {
			stray.get(PinBase)
		}
	}
	c.lock.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < proto.NumStray; i++ {
		df := proto.DirFrag{Ino: proto.StrayIno(c.cfg.Rank, i), Frag: proto.FragRoot}
		g.Go(func() error {
			return c.fetchBaseDir(gctx, df)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	span.Infof("populated mydir of rank %d", c.cfg.Rank)
	return nil
}

// CreateSubtreeMap describes the subtrees this rank is authoritative for.
func (c *MDCache) CreateSubtreeMap() *journal.ESubtreeMap {
	c.lock.Lock()
	defer c.lock.Unlock()
	ev := &journal.ESubtreeMap{Blob: journal.NewMetaBlob()}
	for _, in := range []*Inode{c.root, c.myin} {
		if in == nil {
			continue
		}
		df := proto.DirFrag{Ino: in.Ino(), Frag: proto.FragRoot}
		ev.Subtrees = append(ev.Subtrees, df)
		ev.Blob.AddRoot(&in.info)
		if dir := c.dirfrags[df]; dir != nil {
			ev.Blob.AddDir(df, &dir.fnode, dir.IsDirty())
		}
	}
	return ev
}
