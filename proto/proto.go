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

package proto

import (
	"fmt"
	"math"
)

const (
	ReqIdKey = "req-id"

	// NumStray is the number of stray directories owned by every rank.
	NumStray = 10

	RootIno      = Ino(1)
	MDSInoBase   = Ino(0x100)
	StrayInoBase = Ino(0x600)
	FirstUserIno = Ino(1 << 40)

	NoSnap   = SnapID(math.MaxUint64 - 1)
	FragRoot = FragID(0)
)

type (
	Ino    uint64
	SnapID uint64
	FragID uint32
	CapID  = uint64
	Rank   = int32
)

// VIno is the identity of a cached inode.
type VIno struct {
	Ino  Ino    `json:"ino"`
	Snap SnapID `json:"snap"`
}

func NewVIno(ino Ino) VIno {
	return VIno{Ino: ino, Snap: NoSnap}
}

func (v VIno) Less(o VIno) bool {
	if v.Ino != o.Ino {
		return v.Ino < o.Ino
	}
	return v.Snap < o.Snap
}

func (v VIno) String() string {
	if v.Snap == NoSnap {
		return fmt.Sprintf("%#x.head", uint64(v.Ino))
	}
	return fmt.Sprintf("%#x.%d", uint64(v.Ino), v.Snap)
}

// DirFrag is the identity of a directory fragment.
type DirFrag struct {
	Ino  Ino    `json:"ino"`
	Frag FragID `json:"frag"`
}

func (d DirFrag) Less(o DirFrag) bool {
	if d.Ino != o.Ino {
		return d.Ino < o.Ino
	}
	return d.Frag < o.Frag
}

func (d DirFrag) String() string {
	return fmt.Sprintf("%#x.%x*", uint64(d.Ino), uint32(d.Frag))
}

// InternalClient is the client of request ids the MDS allocates for itself.
// No session ever carries it.
const InternalClient = ^uint64(0)

// ReqID is unique for the lifetime of the process.
type ReqID struct {
	Client uint64 `json:"client"`
	Tid    uint64 `json:"tid"`
}

func (r ReqID) IsZero() bool {
	return r.Client == 0 && r.Tid == 0
}

func (r ReqID) String() string {
	return fmt.Sprintf("client.%d:%d", r.Client, r.Tid)
}

func MDSDirIno(rank Rank) Ino {
	return MDSInoBase + Ino(rank)
}

func StrayIno(rank Rank, idx int) Ino {
	return StrayInoBase + Ino(int(rank)*NumStray+idx)
}

func IsMDSDir(ino Ino) bool {
	return ino >= MDSInoBase && ino < MDSInoBase+0x100
}

func IsStray(ino Ino) bool {
	return ino >= StrayInoBase && ino < StrayInoBase+0x100*NumStray
}

// IsBase reports whether ino has no parent dentry.
func IsBase(ino Ino) bool {
	return ino == RootIno || IsMDSDir(ino)
}

func IsSystem(ino Ino) bool {
	return ino < FirstUserIno
}
