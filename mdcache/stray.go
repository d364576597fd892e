package mdcache

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/proto"
)

const opPurge = "purge_stray"

func strayDentryName(ino proto.Ino) string {
	return fmt.Sprintf("%x", uint64(ino))
}

// GetOrCreateStrayDentry returns the stray fragment and the name under which
// in can be parked. The fragment is loaded if needed; linking is up to the
// caller's mutation.
func (c *MDCache) GetOrCreateStrayDentry(ctx context.Context, in *Inode) (*Dir, string, error) {
	c.lock.Lock()
	stray := c.strays[c.strayIdx]
	c.lock.Unlock()
	if stray == nil {
		return nil, "", apierrors.Wrapf(apierrors.ErrNotFound, "stray%d not open", c.strayIdx)
	}

	df := proto.DirFrag{Ino: stray.Ino(), Frag: proto.FragRoot}
	dir := c.GetDirFrag(df)
	if dir == nil || !dir.IsComplete() {
		if err := c.fetchDir(ctx, df); err != nil {
			return nil, "", err
		}
		if dir = c.GetDirFrag(df); dir == nil {
			return nil, "", apierrors.Wrapf(apierrors.ErrNotFound, "%s dropped after fetch", df)
		}
	}
	return dir, strayDentryName(in.Ino()), nil
}

// AdvanceStray moves new strays to the next stray directory.
func (c *MDCache) AdvanceStray() {
	c.lock.Lock()
	c.strayIdx = (c.strayIdx + 1) % proto.NumStray
	c.lock.Unlock()
}

// purgeableLocked reports whether a stray inode is referenced only by its
// stray linkage.
func (c *MDCache) purgeableLocked(in *Inode) bool {
	if in.parent == nil || !proto.IsStray(in.parent.dirfrag.Ino) {
		return false
	}
	if len(in.caps) > 0 || in.info.Nlink > 0 {
		return false
	}
	if !in.onlyPinned(PinDentry, PinDirty, PinDirFrag, PinRequest) {
		return false
	}
	if dir := c.dirfrags[proto.DirFrag{Ino: in.Ino(), Frag: proto.FragRoot}]; dir != nil && dir.numDentries() > 0 {
		return false
	}
	return true
}

// EvalStray purges in if it sits in a stray directory and nothing else
// references it. It reports whether the inode was purged.
func (c *MDCache) EvalStray(ctx context.Context, in *Inode) (bool, error) {
	span := trace.SpanFromContextSafe(ctx)
	c.lock.Lock()
	if !c.purgeableLocked(in) {
		c.lock.Unlock()
		return false, nil
	}
	dir := c.parentDirLocked(in)
	name := in.parent.name
	c.lock.Unlock()

	mdr, err := c.RequestStart(ctx, opPurge, proto.ReqID{}, nil)
	if err != nil {
		return false, err
	}
	purged, err := c.purgeStray(mdr, in, dir, name)
	if err != nil && mdr.State() < StateJournaled {
		c.RequestKill(ctx, mdr)
		return false, err
	}
	c.RequestFinish(ctx, mdr)
	if err != nil || !purged {
		return false, err
	}

	c.lock.Lock()
	info := in.info
	c.lock.Unlock()
	pools := []int64{c.cfg.MetadataPool}
	if !info.IsDir() && info.Layout.Pool != c.cfg.MetadataPool {
		pools = append(pools, info.Layout.Pool)
	}
	if err := c.store.PurgeInode(ctx, in.Ino(), pools); err != nil {
		span.Errorf("purge %s objects failed: %s", in, errors.Detail(err))
		return false, errors.Info(err, "purge stray objects failed")
	}
	c.RemoveInodeRecursive(in)
	span.Infof("purged stray %s", in)
	return true, nil
}

func (c *MDCache) purgeStray(mdr *MDRequest, in *Inode, dir *Dir, name string) (bool, error) {
	ctx := mdr.Context()
	mut := mdr.Mutation
	if _, err := c.LockParentsForLinkUnlink(ctx, mut, in, dir, name, true); err != nil {
		return false, err
	}

	c.lock.Lock()
	dn := dir.lookup(name)
	ok := dn != nil && dn.linkage.Ino == in.Ino() && c.purgeableLocked(in)
	c.lock.Unlock()
	if !ok {
		return false, nil
	}

	blob := journal.NewMetaBlob()
	if err := c.PredirtyJournalParents(mut, blob, in, dir, PredirtyPrimary|PredirtyDir, -1); err != nil {
		return false, err
	}
	if err := c.UnlinkDentry(mut, dn); err != nil {
		return false, err
	}
	c.JournalDentry(blob, dir, name)

	ev := journal.NewEUpdate(opPurge, mut.ReqID)
	ev.Blob = blob
	if _, err := c.SubmitMutation(ctx, mut, ev); err != nil {
		return false, err
	}
	return true, nil
}
