package mdcache

import (
	"fmt"

	"github.com/cubefs/cubefs/util/btree"
	"github.com/cubefs/mdcache/proto"
)

type PinType uint8

const (
	// PinDentry is held on an inode by its primary dentry.
	PinDentry PinType = iota + 1
	PinDirty
	// PinDirFrag is held on an inode by each of its resident fragments.
	PinDirFrag
	// PinChild is held on a fragment by each of its resident dentries.
	PinChild
	PinRequest
	PinWaiter
	PinCaps
	PinBase
	PinReplay
	pinMax
)

var pinNames = [pinMax]string{
	"", "dentry", "dirty", "dirfrag", "child", "request", "waiter", "caps", "base", "replay",
}

func (p PinType) String() string {
	if p < pinMax {
		return pinNames[p]
	}
	return fmt.Sprintf("pin(%d)", uint8(p))
}

type pinSet struct {
	ref  int
	pins [pinMax]int
}

func (p *pinSet) get(t PinType) {
	p.ref++
	p.pins[t]++
}

func (p *pinSet) put(t PinType) {
	if p.pins[t] <= 0 {
		panic(fmt.Sprintf("put unheld pin %s", t))
	}
	p.ref--
	p.pins[t]--
}

func (p *pinSet) Ref() int {
	return p.ref
}

func (p *pinSet) Pinned(t PinType) int {
	return p.pins[t]
}

// onlyPinned reports whether every held pin is one of ts.
func (p *pinSet) onlyPinned(ts ...PinType) bool {
	n := 0
	for _, t := range ts {
		n += p.pins[t]
	}
	return n == p.ref
}

type dirtyState struct {
	// dirty counts mutations that changed the object since it was last
	// persisted, committed ones included
	dirty int
	// bumped on every dirtying, a flush only cleans what it has seen
	gen uint64
}

func (d *dirtyState) IsDirty() bool {
	return d.dirty > 0
}

type dentryKey struct {
	dirfrag proto.DirFrag
	name    string
}

// Inode is a cached inode. The parent link is a key resolved through the
// object table, never a pointer into the parent fragment.
type Inode struct {
	pinSet
	dirtyState

	vino   proto.VIno
	info   proto.InodeInfo
	parent *dentryKey

	caps        map[proto.CapID]struct{}
	placeholder bool
	lastTouch   uint64
	// linkage changed since the backtrace was last stored
	backtraceDirty bool
}

func newInode(info *proto.InodeInfo) *Inode {
	return &Inode{
		vino: proto.NewVIno(info.Ino),
		info: *info,
		caps: make(map[proto.CapID]struct{}),
	}
}

func (in *Inode) Ino() proto.Ino {
	return in.vino.Ino
}

func (in *Inode) VIno() proto.VIno {
	return in.vino
}

func (in *Inode) IsDir() bool {
	return in.info.IsDir()
}

func (in *Inode) IsBase() bool {
	return proto.IsBase(in.vino.Ino)
}

func (in *Inode) IsStray() bool {
	return proto.IsStray(in.vino.Ino)
}

func (in *Inode) String() string {
	return "inode " + in.vino.String()
}

type Linkage struct {
	Ino    proto.Ino
	DType  uint8
	Remote bool
}

func (l Linkage) IsPrimary() bool {
	return !l.Remote && l.Ino != 0
}

// Dentry lives and dies with its fragment.
type Dentry struct {
	dirfrag proto.DirFrag
	name    string
	linkage Linkage
	version uint64
	ref     int
}

func (dn *Dentry) Less(than btree.Item) bool {
	return dn.name < than.(*Dentry).name
}

func (dn *Dentry) Copy() btree.Item {
	c := *dn
	return &c
}

func (dn *Dentry) Name() string {
	return dn.name
}

func (dn *Dentry) DirFrag() proto.DirFrag {
	return dn.dirfrag
}

func (dn *Dentry) Linkage() Linkage {
	return dn.linkage
}

func (dn *Dentry) String() string {
	return fmt.Sprintf("dentry %s/%s", dn.dirfrag, dn.name)
}

type Dir struct {
	pinSet
	dirtyState

	dirfrag  proto.DirFrag
	fnode    proto.Fnode
	dentries *btree.BTree
	// every dentry of the fragment is resident
	complete  bool
	lastTouch uint64
}

func newDir(df proto.DirFrag) *Dir {
	return &Dir{
		dirfrag:  df,
		dentries: btree.New(16),
	}
}

func (d *Dir) DirFrag() proto.DirFrag {
	return d.dirfrag
}

func (d *Dir) IsComplete() bool {
	return d.complete
}

func (d *Dir) String() string {
	return "dir " + d.dirfrag.String()
}

func (d *Dir) lookup(name string) *Dentry {
	item := d.dentries.Get(&Dentry{name: name})
	if item == nil {
		return nil
	}
	return item.(*Dentry)
}

func (d *Dir) numDentries() int {
	return d.dentries.Len()
}

func (d *Dir) forEach(fn func(dn *Dentry) bool) {
	d.dentries.Ascend(func(i btree.Item) bool {
		return fn(i.(*Dentry))
	})
}
