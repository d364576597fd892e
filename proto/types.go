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

const (
	ModeTypeMask = uint32(0o170000)
	ModeDir      = uint32(0o040000)
	ModeReg      = uint32(0o100000)
	ModeSymlink  = uint32(0o120000)
)

// dentry type tags, same values as DT_* in dirent.h
const (
	DTUnknown = uint8(0)
	DTDir     = uint8(4)
	DTReg     = uint8(8)
	DTLnk     = uint8(10)
)

func IsDirMode(mode uint32) bool {
	return mode&ModeTypeMask == ModeDir
}

func ModeToDType(mode uint32) uint8 {
	switch mode & ModeTypeMask {
	case ModeDir:
		return DTDir
	case ModeReg:
		return DTReg
	case ModeSymlink:
		return DTLnk
	default:
		return DTUnknown
	}
}

type FileLayout struct {
	Pool        int64  `json:"pool"`
	StripeUnit  uint32 `json:"stripe_unit"`
	StripeCount uint32 `json:"stripe_count"`
	ObjectSize  uint32 `json:"object_size"`
}

func (l FileLayout) IsValid() bool {
	return l.Pool >= 0 && l.StripeUnit > 0 && l.StripeCount > 0 && l.ObjectSize >= l.StripeUnit
}

// FragStat is the non-recursive statistics of one directory fragment.
type FragStat struct {
	Mtime    int64  `json:"mtime"`
	NFiles   int64  `json:"nfiles"`
	NSubdirs int64  `json:"nsubdirs"`
	Version  uint64 `json:"version"`
}

func (f *FragStat) Size() int64 {
	return f.NFiles + f.NSubdirs
}

// Add folds sign*o into f. mtime is a high-water mark and is never lowered.
func (f *FragStat) Add(o *FragStat, sign int64) {
	if sign > 0 && o.Mtime > f.Mtime {
		f.Mtime = o.Mtime
	}
	f.NFiles += sign * o.NFiles
	f.NSubdirs += sign * o.NSubdirs
}

// AddDelta adds cur-acc into f, mtime only moves forward.
func (f *FragStat) AddDelta(cur, acc *FragStat) {
	if cur.Mtime > f.Mtime {
		f.Mtime = cur.Mtime
	}
	f.NFiles += cur.NFiles - acc.NFiles
	f.NSubdirs += cur.NSubdirs - acc.NSubdirs
}

// NestStat is the recursive statistics (rstat) of a subtree.
type NestStat struct {
	Rctime   int64  `json:"rctime"`
	Rbytes   int64  `json:"rbytes"`
	Rfiles   int64  `json:"rfiles"`
	Rsubdirs int64  `json:"rsubdirs"`
	Version  uint64 `json:"version"`
}

// Add folds sign*o into n. rctime is a high-water mark and is never lowered.
func (n *NestStat) Add(o *NestStat, sign int64) {
	if sign > 0 && o.Rctime > n.Rctime {
		n.Rctime = o.Rctime
	}
	n.Rbytes += sign * o.Rbytes
	n.Rfiles += sign * o.Rfiles
	n.Rsubdirs += sign * o.Rsubdirs
}

// AddDelta adds cur-acc into n.
func (n *NestStat) AddDelta(cur, acc *NestStat) {
	if cur.Rctime > n.Rctime {
		n.Rctime = cur.Rctime
	}
	n.Rbytes += cur.Rbytes - acc.Rbytes
	n.Rfiles += cur.Rfiles - acc.Rfiles
	n.Rsubdirs += cur.Rsubdirs - acc.Rsubdirs
}

func (n *NestStat) Equal(o *NestStat) bool {
	return n.Rctime == o.Rctime && n.Rbytes == o.Rbytes && n.Rfiles == o.Rfiles && n.Rsubdirs == o.Rsubdirs
}

type InodeInfo struct {
	Ino     Ino        `json:"ino"`
	Mode    uint32     `json:"mode"`
	Uid     uint32     `json:"uid"`
	Gid     uint32     `json:"gid"`
	Nlink   uint32     `json:"nlink"`
	Size    uint64     `json:"size"`
	Mtime   int64      `json:"mtime"`
	Ctime   int64      `json:"ctime"`
	Version uint64     `json:"version"`
	Layout  FileLayout `json:"layout"`

	Dirstat        FragStat `json:"dirstat"`
	Rstat          NestStat `json:"rstat"`
	AccountedRstat NestStat `json:"accounted_rstat"`

	BacktraceVersion uint64 `json:"backtrace_version"`
}

func (i *InodeInfo) IsDir() bool {
	return IsDirMode(i.Mode)
}

// Fnode is the persistent header of a directory fragment.
type Fnode struct {
	Version           uint64   `json:"version"`
	Fragstat          FragStat `json:"fragstat"`
	AccountedFragstat FragStat `json:"accounted_fragstat"`
	Rstat             NestStat `json:"rstat"`
	AccountedRstat    NestStat `json:"accounted_rstat"`
}
