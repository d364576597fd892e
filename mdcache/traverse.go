package mdcache

import (
	"context"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

const maxFetchAttempts = 3

// SplitPath returns the non-empty components of a slash separated path.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	ret := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			ret = append(ret, p)
		}
	}
	return ret
}

// PathTraverse walks path from the root and returns the dentries on the way
// and the target inode. Every object returned is pinned for mdr.
func (c *MDCache) PathTraverse(ctx context.Context, mdr *MDRequest, path string) ([]*Dentry, *Inode, error) {
	span := trace.SpanFromContextSafe(ctx)
	c.lock.Lock()
	cur := c.root
	if cur != nil {
		c.pinInodeLocked(mdr.Mutation, cur)
	}
	c.lock.Unlock()
	if cur == nil {
		return nil, nil, apierrors.Wrapf(apierrors.ErrNotFound, "root not open")
	}

	var trail []*Dentry
	for _, name := range SplitPath(path) {
		if !cur.IsDir() {
			return trail, nil, apierrors.Wrapf(apierrors.ErrNotDir, "%s in %q", cur, path)
		}
		dir, err := c.OpenDirFrag(ctx, mdr.Mutation, cur)
		if err != nil {
			return trail, nil, err
		}

		c.lock.Lock()
		dn := dir.lookup(name)
		if dn == nil {
			c.lock.Unlock()
			return trail, nil, apierrors.Wrapf(apierrors.ErrNotFound, "%q in %q", name, path)
		}
		c.pinDentryLocked(mdr.Mutation, dn)
		link := dn.linkage
		next := c.inodeMap[proto.NewVIno(link.Ino)]
		if next != nil && !next.placeholder {
			c.pinInodeLocked(mdr.Mutation, next)
		}
		c.lock.Unlock()
		trail = append(trail, dn)

		if next == nil || next.placeholder {
			if !link.Remote {
				c.fault(ctx, "primary_missing", "primary %s has no resident inode", dn)
				return trail, nil, apierrors.Wrapf(apierrors.ErrNotFound, "%s", dn)
			}
			span.Debugf("remote %s not resident, resolve %#x", dn, uint64(link.Ino))
			if next, err = c.OpenRemoteDentry(ctx, dn); err != nil {
				if apierrors.Is(err, apierrors.ErrNotFound) {
					return trail, nil, apierrors.Wrapf(apierrors.ErrStaleLink, "%s -> %#x", dn, uint64(link.Ino))
				}
				return trail, nil, err
			}
			c.lock.Lock()
			c.pinInodeLocked(mdr.Mutation, next)
			c.lock.Unlock()
		}
		cur = next
	}
	return trail, cur, nil
}

// OpenDirFrag returns the complete root fragment of diri, pinned for mut.
func (c *MDCache) OpenDirFrag(ctx context.Context, mut *Mutation, diri *Inode) (*Dir, error) {
	if !diri.IsDir() {
		return nil, apierrors.Wrapf(apierrors.ErrNotDir, "%s", diri)
	}
	df := proto.DirFrag{Ino: diri.Ino(), Frag: proto.FragRoot}
	for i := 0; i < maxFetchAttempts; i++ {
		c.lock.Lock()
		if dir := c.dirfrags[df]; dir != nil && dir.complete {
			c.pinDirLocked(mut, dir)
			c.lock.Unlock()
			return dir, nil
		}
		c.lock.Unlock()
		if err := c.fetchDir(ctx, df); err != nil {
			return nil, err
		}
	}
	return nil, apierrors.Wrapf(apierrors.ErrIllegalState, "%s trimmed while opening", df)
}

// Lookup returns the dentry name of dir, nil if there is none.
func (c *MDCache) Lookup(dir *Dir, name string) *Dentry {
	c.lock.Lock()
	defer c.lock.Unlock()
	return dir.lookup(name)
}

// ListDir returns the dentries of dir in name order.
func (c *MDCache) ListDir(dir *Dir) []*Dentry {
	c.lock.Lock()
	defer c.lock.Unlock()
	ret := make([]*Dentry, 0, dir.numDentries())
	dir.forEach(func(dn *Dentry) bool {
		ret = append(ret, dn)
		return true
	})
	return ret
}

// DentryInode returns the resident inode dn links to.
func (c *MDCache) DentryInode(dn *Dentry) *Inode {
	c.lock.Lock()
	defer c.lock.Unlock()
	in := c.inodeMap[proto.NewVIno(dn.linkage.Ino)]
	if in == nil || in.placeholder {
		return nil
	}
	return in
}

// DentryLinkage reads the linkage of dn under the cache lock.
func (c *MDCache) DentryLinkage(dn *Dentry) Linkage {
	c.lock.Lock()
	defer c.lock.Unlock()
	return dn.linkage
}
