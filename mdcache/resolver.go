package mdcache

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/proto"
)

// OpenInodeFunc is called exactly once with the outcome of a resolution.
type OpenInodeFunc func(in *Inode, err error)

type openInodeInfo struct {
	ino       proto.Ino
	pool      int64
	ancestors []proto.Backpointer
	retries   int
	waiters   []OpenInodeFunc
}

// OpenInodeAsync resolves an inode that may not be resident by its backtrace.
// Concurrent calls for one inode share a single resolution; fn runs on the
// resolver worker, or inline when the inode is already resident.
func (c *MDCache) OpenInodeAsync(ctx context.Context, ino proto.Ino, pool int64, fn OpenInodeFunc) {
	if in := c.getResolvedInode(ino); in != nil {
		fn(in, nil)
		return
	}
	info, first := c.attachOpenInode(ino, pool, fn)
	if !first {
		return
	}

	span := trace.SpanFromContextSafe(ctx)
	_, fetchCtx := trace.StartSpanFromContextWithTraceID(context.Background(), "open_inode", span.TraceID())
	c.taskPool.Run(func() {
		c.doOpenInode(fetchCtx, info, nil)
	})
}

// OpenInode is the blocking form of OpenInodeAsync.
func (c *MDCache) OpenInode(ctx context.Context, ino proto.Ino, pool int64) (*Inode, error) {
	type result struct {
		in  *Inode
		err error
	}
	ch := make(chan result, 1)
	c.OpenInodeAsync(ctx, ino, pool, func(in *Inode, err error) {
		ch <- result{in: in, err: err}
	})
	select {
	case r := <-ch:
		return r.in, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenRemoteDentry resolves the target of a remote dentry. Directories keep
// their backtrace in the metadata pool, files in the default data pool.
func (c *MDCache) OpenRemoteDentry(ctx context.Context, dn *Dentry) (*Inode, error) {
	c.lock.Lock()
	link := dn.linkage
	c.lock.Unlock()
	if !link.Remote {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s is not remote", dn)
	}
	pool := c.defaultFileLayout.Pool
	if link.DType == proto.DTDir {
		pool = c.cfg.MetadataPool
	}
	return c.OpenInode(ctx, link.Ino, pool)
}

// maxOpenInodeDepth bounds how many ancestors one resolution may open on the
// way, past which the backtrace is treated as corrupt.
const maxOpenInodeDepth = 32

// resolvingSet is the chain of inodes a nested resolution is working for.
type resolvingSet map[proto.Ino]struct{}

func (r resolvingSet) with(ino proto.Ino) resolvingSet {
	next := make(resolvingSet, len(r)+1)
	for k := range r {
		next[k] = struct{}{}
	}
	next[ino] = struct{}{}
	return next
}

// openInodeInline resolves an ancestor on the calling goroutine. It never
// waits for a resolution owned by another chain: when one is in flight the
// ancestor is resolved privately, so two chains naming each other cannot
// wait on each other.
func (c *MDCache) openInodeInline(ctx context.Context, ino proto.Ino, pool int64, resolving resolvingSet) (*Inode, error) {
	if in := c.getResolvedInode(ino); in != nil {
		return in, nil
	}
	if _, ok := resolving[ino]; ok {
		return nil, apierrors.Wrapf(apierrors.ErrStaleBacktrace, "backtrace cycle at %#x", uint64(ino))
	}
	if len(resolving) >= maxOpenInodeDepth {
		return nil, apierrors.Wrapf(apierrors.ErrStaleBacktrace, "backtrace of %#x deeper than %d", uint64(ino), maxOpenInodeDepth)
	}

	var (
		in  *Inode
		err error
	)
	done := func(i *Inode, e error) { in, err = i, e }
	info, registered := c.registerOpenInode(ino, pool, done)
	if !registered {
		info = &openInodeInfo{ino: ino, pool: pool, waiters: []OpenInodeFunc{done}}
	}
	c.doOpenInode(ctx, info, resolving)
	return in, err
}

// registerOpenInode starts a shared resolution of ino unless one exists.
func (c *MDCache) registerOpenInode(ino proto.Ino, pool int64, fn OpenInodeFunc) (*openInodeInfo, bool) {
	c.openInodeMutex.Lock()
	defer c.openInodeMutex.Unlock()
	if _, ok := c.openingInodes[ino]; ok {
		return nil, false
	}
	info := &openInodeInfo{ino: ino, pool: pool, waiters: []OpenInodeFunc{fn}}
	c.openingInodes[ino] = info
	return info, true
}

func (c *MDCache) attachOpenInode(ino proto.Ino, pool int64, fn OpenInodeFunc) (*openInodeInfo, bool) {
	c.openInodeMutex.Lock()
	defer c.openInodeMutex.Unlock()
	if info, ok := c.openingInodes[ino]; ok {
		info.waiters = append(info.waiters, fn)
		return info, false
	}
	info := &openInodeInfo{ino: ino, pool: pool, waiters: []OpenInodeFunc{fn}}
	c.openingInodes[ino] = info
	return info, true
}

func (c *MDCache) getResolvedInode(ino proto.Ino) *Inode {
	c.lock.Lock()
	defer c.lock.Unlock()
	in := c.inodeMap[proto.NewVIno(ino)]
	if in == nil || in.placeholder {
		return nil
	}
	in.lastTouch = c.touchLocked()
	return in
}

func (c *MDCache) doOpenInode(ctx context.Context, info *openInodeInfo, resolving resolvingSet) {
	span := trace.SpanFromContextSafe(ctx)
	resolving = resolving.with(info.ino)
	for {
		raw, err := c.store.FetchBacktrace(ctx, info.ino, info.pool)
		if err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) && info.pool != c.cfg.MetadataPool {
				metrics.OpenInodeFetches.WithLabelValues("pool_miss").Inc()
				span.Debugf("backtrace of %#x not in pool %d, try metadata pool", uint64(info.ino), info.pool)
				info.pool = c.cfg.MetadataPool
				continue
			}
			metrics.OpenInodeFetches.WithLabelValues("error").Inc()
			c.finishOpenInode(info, nil, err)
			return
		}
		metrics.OpenInodeFetches.WithLabelValues("ok").Inc()

		bt := &proto.Backtrace{}
		if err := bt.Unmarshal(raw); err != nil {
			c.finishOpenInode(info, nil, errors.Info(err, "decode backtrace failed"))
			return
		}
		info.ancestors = bt.Ancestors

		in, err := c.openInodeTraverseDir(ctx, info.ino, info.ancestors, resolving)
		if apierrors.Is(err, apierrors.ErrStaleBacktrace) {
			// only the outermost resolution refetches, nested ones report
			// back so a long chain costs linear fetches
			if len(resolving) == 1 && info.retries < c.cfg.MaxOpenInodeRetries {
				info.retries++
				span.Infof("stale backtrace of %#x, refetch #%d", uint64(info.ino), info.retries)
				continue
			}
			err = apierrors.Wrapf(apierrors.ErrNotFound, "%v of %#x after %d retries", err, uint64(info.ino), info.retries)
		}
		c.finishOpenInode(info, in, err)
		return
	}
}

func (c *MDCache) finishOpenInode(info *openInodeInfo, in *Inode, err error) {
	c.openInodeMutex.Lock()
	waiters := info.waiters
	info.waiters = nil
	if c.openingInodes[info.ino] == info {
		delete(c.openingInodes, info.ino)
	}
	c.openInodeMutex.Unlock()

	for _, fn := range waiters {
		fn(in, err)
	}
}

// openInodeTraverseDir walks the ancestors, from the deepest resident one
// down to ino, loading fragments as needed.
func (c *MDCache) openInodeTraverseDir(ctx context.Context, ino proto.Ino, ancestors []proto.Backpointer, resolving resolvingSet) (*Inode, error) {
	if len(ancestors) == 0 {
		return nil, apierrors.ErrStaleBacktrace
	}
	for i := range ancestors {
		if _, ok := resolving[ancestors[i].DirIno]; ok {
			return nil, apierrors.Wrapf(apierrors.ErrStaleBacktrace, "%#x is its own ancestor", uint64(ancestors[i].DirIno))
		}
	}

	start := -1
	for i := range ancestors {
		if c.getResolvedInode(ancestors[i].DirIno) != nil {
			start = i
			break
		}
	}
	if start < 0 {
		start = len(ancestors) - 1
		top := ancestors[start].DirIno
		if _, err := c.openInodeInline(ctx, top, c.cfg.MetadataPool, resolving); err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				return nil, apierrors.ErrStaleBacktrace
			}
			return nil, err
		}
	}

	for i := start; i >= 0; i-- {
		expect := ino
		if i > 0 {
			expect = ancestors[i-1].DirIno
		}
		link, err := c.lookupDentry(ctx, ancestors[i].DirIno, ancestors[i].Name)
		if err != nil {
			return nil, err
		}
		if link.Remote || link.Ino != expect {
			return nil, apierrors.ErrStaleBacktrace
		}
	}

	if in := c.getResolvedInode(ino); in != nil {
		return in, nil
	}
	return nil, apierrors.ErrStaleBacktrace
}

// lookupDentry finds name under the resident directory dirIno, fetching the
// fragment if it is not complete in cache.
func (c *MDCache) lookupDentry(ctx context.Context, dirIno proto.Ino, name string) (Linkage, error) {
	df := proto.DirFrag{Ino: dirIno, Frag: proto.FragRoot}
	for fetched := false; ; fetched = true {
		c.lock.Lock()
		diri := c.inodeMap[proto.NewVIno(dirIno)]
		if diri == nil || !diri.IsDir() {
			c.lock.Unlock()
			return Linkage{}, apierrors.ErrStaleBacktrace
		}
		if dir := c.dirfrags[df]; dir != nil {
			if dn := dir.lookup(name); dn != nil {
				link := dn.linkage
				c.lock.Unlock()
				return link, nil
			}
			if dir.complete {
				c.lock.Unlock()
				return Linkage{}, apierrors.ErrStaleBacktrace
			}
		}
		c.lock.Unlock()

		if fetched {
			return Linkage{}, apierrors.ErrStaleBacktrace
		}
		if err := c.fetchDir(ctx, df); err != nil {
			if apierrors.Is(err, apierrors.ErrNotFound) {
				return Linkage{}, apierrors.ErrStaleBacktrace
			}
			return Linkage{}, err
		}
	}
}

// fetchDir reads a fragment from the store and merges it into the cache.
func (c *MDCache) fetchDir(ctx context.Context, df proto.DirFrag) error {
	obj, err := c.store.FetchDirFrag(ctx, df)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	diri := c.inodeMap[proto.NewVIno(df.Ino)]
	if diri == nil {
		return apierrors.Wrapf(apierrors.ErrNotFound, "inode of %s dropped while fetching", df)
	}
	c.loadDirLocked(diri, obj)
	return nil
}

// loadDirLocked merges a stored fragment. Resident dentries win over stored
// ones, and placeholders met on the way get their definition.
func (c *MDCache) loadDirLocked(diri *Inode, obj *proto.DirFragObject) *Dir {
	dir := c.dirfrags[obj.DirFrag]
	if dir == nil {
		dir = c.addDirLocked(diri, obj.DirFrag)
		dir.fnode = obj.Fnode
	}
	for i := range obj.Dentries {
		rec := &obj.Dentries[i]
		if dir.lookup(rec.Name) != nil {
			continue
		}
		if rec.Remote {
			c.linkRemoteLocked(dir, rec.Name, rec.Ino, rec.DType, rec.Version)
			continue
		}
		if rec.Inode == nil {
			continue
		}
		in := c.inodeMap[proto.NewVIno(rec.Ino)]
		defined := false
		switch {
		case in == nil:
			in = newInode(rec.Inode)
			c.addInodeLocked(in)
		case in.placeholder:
			defined = c.defineInodeLocked(in, rec.Inode)
		case in.parent != nil:
			// linked elsewhere in cache, the stored dentry is older
			continue
		}
		c.linkPrimaryLocked(dir, rec.Name, in, rec.Version)
		in.backtraceDirty = false
		if defined {
			c.putInodeLocked(in, PinReplay)
		}
	}
	dir.complete = true
	return dir
}
