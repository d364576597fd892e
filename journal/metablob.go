// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.


package journal

import (
	"github.com/cubefs/mdcache/proto"
)

// DentryLump is the post-state of one dentry inside a transaction. A null lump
// records an unlinked name.
type DentryLump struct {
	Name    string           `json:"name"`
	Ino     proto.Ino        `json:"ino"`
	DType   uint8            `json:"dtype"`
	Remote  bool             `json:"remote,omitempty"`
	Null    bool             `json:"null,omitempty"`
	Version uint64           `json:"version"`
	Inode   *proto.InodeInfo `json:"inode,omitempty"`
}

// DirLump carries the fnode post-state of a fragment and its touched dentries.
type DirLump struct {
	DirFrag  proto.DirFrag `json:"dirfrag"`
	Fnode    proto.Fnode   `json:"fnode"`
	Dirty    bool          `json:"dirty"`
	Dentries []*DentryLump `json:"dentries,omitempty"`
}

// AddDentry records the post-state of a dentry, replacing an earlier record of the same name.
func (l *DirLump) AddDentry(d *DentryLump) {
	for i := range l.Dentries {
		if l.Dentries[i].Name == d.Name {
			l.Dentries[i] = d
			return
		}
	}
	l.Dentries = append(l.Dentries, d)
}

func (l *DirLump) GetDentry(name string) *DentryLump {
	for _, d := range l.Dentries {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// MetaBlob is the body of one journal transaction. Each object appears once and
// holds its latest post-state; dirs keep the order they were first added, which
// is the ancestor chain order of the propagation that produced them.
type MetaBlob struct {
	Dirs  []*DirLump         `json:"dirs"`
	Roots []*proto.InodeInfo `json:"roots,omitempty"`

	index map[proto.DirFrag]int
}

func NewMetaBlob() *MetaBlob {
	return &MetaBlob{index: make(map[proto.DirFrag]int)}
}

// AddDir upserts the fnode post-state of a fragment.
func (b *MetaBlob) AddDir(df proto.DirFrag, fnode *proto.Fnode, dirty bool) *DirLump {
	if l := b.GetDir(df); l != nil {
		l.Fnode = *fnode
		l.Dirty = l.Dirty || dirty
		return l
	}
	l := &DirLump{DirFrag: df, Fnode: *fnode, Dirty: dirty}
	b.index[df] = len(b.Dirs)
	b.Dirs = append(b.Dirs, l)
	return l
}

func (b *MetaBlob) GetDir(df proto.DirFrag) *DirLump {
	if b.index == nil {
		b.reindex()
	}
	if i, ok := b.index[df]; ok {
		return b.Dirs[i]
	}
	return nil
}

// AddPrimaryDentry records a primary linkage with the inode post-state.
func (b *MetaBlob) AddPrimaryDentry(df proto.DirFrag, fnode *proto.Fnode, name string, version uint64, info *proto.InodeInfo) {
	l := b.AddDir(df, fnode, true)
	in := *info
	l.AddDentry(&DentryLump{Name: name, Ino: info.Ino, DType: proto.ModeToDType(info.Mode), Version: version, Inode: &in})
}

func (b *MetaBlob) AddRemoteDentry(df proto.DirFrag, fnode *proto.Fnode, name string, version uint64, ino proto.Ino, dtype uint8) {
	l := b.AddDir(df, fnode, true)
	l.AddDentry(&DentryLump{Name: name, Ino: ino, DType: dtype, Remote: true, Version: version})
}

func (b *MetaBlob) AddNullDentry(df proto.DirFrag, fnode *proto.Fnode, name string, version uint64) {
	l := b.AddDir(df, fnode, true)
	l.AddDentry(&DentryLump{Name: name, Null: true, Version: version})
}

// AddRoot records a base inode, which has no parent dentry to carry it.
func (b *MetaBlob) AddRoot(info *proto.InodeInfo) {
	in := *info
	for i := range b.Roots {
		if b.Roots[i].Ino == info.Ino {
			b.Roots[i] = &in
			return
		}
	}
	b.Roots = append(b.Roots, &in)
}

func (b *MetaBlob) Empty() bool {
	return len(b.Dirs) == 0 && len(b.Roots) == 0
}

func (b *MetaBlob) reindex() {
	b.index = make(map[proto.DirFrag]int, len(b.Dirs))
	for i, l := range b.Dirs {
		b.index[l.DirFrag] = i
	}
}

// ReplayTarget receives the records of a blob in journal order.
type ReplayTarget interface {
	ReplayRoot(info *proto.InodeInfo) error
	ReplayDir(df proto.DirFrag, fnode *proto.Fnode, dirty bool) error
	ReplayDentry(df proto.DirFrag, d *DentryLump) error
}

// Replay applies the post-state records. Roots come first so that dirs of base
// inodes find their owner.
func (b *MetaBlob) Replay(t ReplayTarget) error {
	for _, info := range b.Roots {
		if err := t.ReplayRoot(info); err != nil {
			return err
		}
	}
	for _, l := range b.Dirs {
		if err := t.ReplayDir(l.DirFrag, &l.Fnode, l.Dirty); err != nil {
			return err
		}
		for _, d := range l.Dentries {
			if err := t.ReplayDentry(l.DirFrag, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DentryLump) encode(e *proto.Encoder) {
	e.String(1, d.Name)
	e.Uint(2, uint64(d.Ino))
	e.Uint(3, uint64(d.DType))
	e.Bool(4, d.Remote)
	e.Bool(5, d.Null)
	e.Uint(6, d.Version)
	if d.Inode != nil {
		e.Message(7, d.Inode.Encode)
	}
}

func (d *DentryLump) decode(b []byte) error {
	return proto.DecodeFields(b, func(f *proto.Field) error {
		switch f.Num {
		case 1:
			d.Name = string(f.B)
		case 2:
			d.Ino = proto.Ino(f.V)
		case 3:
			d.DType = uint8(f.V)
		case 4:
			d.Remote = f.V != 0
		case 5:
			d.Null = f.V != 0
		case 6:
			d.Version = f.V
		case 7:
			d.Inode = &proto.InodeInfo{}
			return d.Inode.Decode(f.B)
		}
		return nil
	})
}

func (l *DirLump) encode(e *proto.Encoder) {
	e.Uint(1, uint64(l.DirFrag.Ino))
	e.Uint(2, uint64(l.DirFrag.Frag))
	e.Message(3, l.Fnode.Encode)
	e.Bool(4, l.Dirty)
	for _, d := range l.Dentries {
		e.Message(5, d.encode)
	}
}

func (l *DirLump) decode(b []byte) error {
	return proto.DecodeFields(b, func(f *proto.Field) error {
		switch f.Num {
		case 1:
			l.DirFrag.Ino = proto.Ino(f.V)
		case 2:
			l.DirFrag.Frag = proto.FragID(f.V)
		case 3:
			return l.Fnode.Decode(f.B)
		case 4:
			l.Dirty = f.V != 0
		case 5:
			d := &DentryLump{}
			if err := d.decode(f.B); err != nil {
				return err
			}
			l.Dentries = append(l.Dentries, d)
		}
		return nil
	})
}

func (b *MetaBlob) Encode(e *proto.Encoder) {
	for _, l := range b.Dirs {
		e.Message(1, l.encode)
	}
	for _, info := range b.Roots {
		e.Message(2, info.Encode)
	}
}

func (b *MetaBlob) Decode(raw []byte) error {
	*b = MetaBlob{}
	err := proto.DecodeFields(raw, func(f *proto.Field) error {
		switch f.Num {
		case 1:
			l := &DirLump{}
			if err := l.decode(f.B); err != nil {
				return err
			}
			b.Dirs = append(b.Dirs, l)
		case 2:
			info := &proto.InodeInfo{}
			if err := info.Decode(f.B); err != nil {
				return err
			}
			b.Roots = append(b.Roots, info)
		}
		return nil
	})
	b.reindex()
	return err
}
