package mdcache

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/proto"
)

func TestObjectTable_InsertRemove(t *testing.T) {
	ctx := context.Background()
	c := NewMDCache(testConfig(), newFakeStore(), &fakeJournal{}, nil)
	defer c.Close()

	ino := nextTestIno()
	in := NewInode(&proto.InodeInfo{Ino: ino, Mode: proto.ModeReg})
	require.NoError(t, c.AddInode(ctx, in))
	require.ErrorIs(t, c.AddInode(ctx, NewInode(&proto.InodeInfo{Ino: ino})), apierrors.ErrDuplicateIdentity)
	require.Same(t, in, c.GetInodeByIno(ino))
	require.Nil(t, c.GetInodeByIno(nextTestIno()))

	c.PinInode(in, PinCaps)
	require.ErrorIs(t, c.RemoveInode(in), apierrors.ErrRefHeld)
	c.UnpinInode(in, PinCaps)
	require.Nil(t, c.GetInodeByIno(ino))
	require.ErrorIs(t, c.RemoveInode(in), apierrors.ErrNotFound)

	in = NewInode(&proto.InodeInfo{Ino: nextTestIno()})
	require.NoError(t, c.AddInode(ctx, in))
	require.NoError(t, c.RemoveInode(in))
	require.Nil(t, c.GetInode(in.VIno()))
}

func TestObjectTable_IndexMatchesReferences(t *testing.T) {
	ctx := context.Background()
	c := NewMDCache(testConfig(), newFakeStore(), &fakeJournal{}, nil)
	defer c.Close()

	r := rand.New(rand.NewSource(7))
	pins := []PinType{PinCaps, PinRequest, PinWaiter}
	var all []*Inode
	for i := 0; i < 2000; i++ {
		switch op := r.Intn(4); {
		case op == 0 || len(all) == 0:
			in := NewInode(&proto.InodeInfo{Ino: nextTestIno(), Mode: proto.ModeReg})
			require.NoError(t, c.AddInode(ctx, in))
			all = append(all, in)
		case op == 1:
			in := all[r.Intn(len(all))]
			if c.GetInode(in.VIno()) == in {
				c.PinInode(in, pins[r.Intn(len(pins))])
			}
		case op == 2:
			in := all[r.Intn(len(all))]
			for _, p := range pins {
				if c.GetInode(in.VIno()) == in && in.Pinned(p) > 0 {
					c.UnpinInode(in, p)
					break
				}
			}
		default:
			in := all[r.Intn(len(all))]
			err := c.RemoveInode(in)
			if err != nil {
				require.True(t, apierrors.Is(err, apierrors.ErrRefHeld) || apierrors.Is(err, apierrors.ErrNotFound))
			}
		}
	}

	c.Trim(0)
	for _, in := range all {
		resident := c.GetInode(in.VIno()) == in
		require.Equal(t, in.Ref() > 0, resident, "%s ref %d", in, in.Ref())
	}
}

func TestObjectTable_RemoveSubtree(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	a, _ := create(t, c, c.Root(), "a", nextTestIno(), dirMode, 0)
	b, _ := create(t, c, a, "b", nextTestIno(), dirMode, 0)
	f, _ := create(t, c, b, "f", nextTestIno(), fileMode, 3)
	keep, _ := create(t, c, c.Root(), "keep", nextTestIno(), fileMode, 1)
	require.NotNil(t, c.GetDirFrag(dirFragOf(a)))
	require.NotNil(t, c.GetDirFrag(dirFragOf(b)))
	before := c.Stats()

	c.RemoveInodeRecursive(a)
	for _, in := range []*Inode{a, b, f} {
		require.Nil(t, c.GetInodeByIno(in.Ino()), in.String())
	}
	require.Nil(t, c.GetDirFrag(dirFragOf(a)))
	require.Nil(t, c.GetDirFrag(dirFragOf(b)))
	after := c.Stats()
	require.Equal(t, before.Inodes-3, after.Inodes)
	require.Equal(t, before.DirFrags-2, after.DirFrags)

	rootDir := c.GetDirFrag(rootDirFrag())
	require.Nil(t, c.Lookup(rootDir, "a"))
	require.Same(t, keep, c.GetInodeByIno(keep.Ino()))
	require.NotNil(t, c.Lookup(rootDir, "keep"))

	// system fragments survive a flush with nothing else holding them
	require.NoError(t, c.Flush(ctx))
	require.Same(t, rootDir, c.GetDirFrag(rootDirFrag()))
	require.True(t, rootDir.Pinned(PinBase) > 0)
}
