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
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBacktrace(t *testing.T) {
	bt := &Backtrace{
		Ino:  FirstUserIno + 3,
		Pool: -1,
		Ancestors: []Backpointer{
			{DirIno: FirstUserIno + 1, Name: "b", Version: 7},
			{DirIno: RootIno, Name: "a", Version: 2},
		},
	}
	data, err := bt.Marshal()
	require.NoError(t, err)

	got := &Backtrace{}
	require.NoError(t, got.Unmarshal(data))
	require.Equal(t, bt, got)

	require.Error(t, got.Unmarshal([]byte{0xff}))
}

func TestNestStat(t *testing.T) {
	parent := NestStat{Rctime: 100, Rbytes: 5, Rfiles: 1, Rsubdirs: 1}
	child := NestStat{Rctime: 50, Rbytes: 10, Rfiles: 1}
	orig := parent

	parent.Add(&child, 1)
	require.Equal(t, int64(15), parent.Rbytes)
	require.Equal(t, int64(2), parent.Rfiles)
	parent.Add(&child, -1)
	require.True(t, orig.Equal(&parent))

	// rctime only moves forward
	parent.AddDelta(&NestStat{Rctime: 200}, &NestStat{})
	require.Equal(t, int64(200), parent.Rctime)
	parent.Add(&NestStat{Rctime: 10}, -1)
	require.Equal(t, int64(200), parent.Rctime)
}

func TestSystemInos(t *testing.T) {
	require.True(t, IsBase(RootIno))
	require.True(t, IsBase(MDSDirIno(0)))
	require.False(t, IsBase(StrayIno(0, 1)))
	require.True(t, IsStray(StrayIno(1, 9)))
	require.Equal(t, StrayInoBase+Ino(NumStray+2), StrayIno(1, 2))
	require.True(t, IsSystem(StrayIno(0, 0)))
	require.False(t, IsSystem(FirstUserIno))
	require.Equal(t, DTDir, ModeToDType(ModeDir|0o755))
	require.Equal(t, "0x1.head", NewVIno(RootIno).String())
}

func TestDirFragObject(t *testing.T) {
	obj := &DirFragObject{
		DirFrag: DirFrag{Ino: RootIno},
		Fnode: Fnode{
			Version:  3,
			Fragstat: FragStat{NFiles: 1, NSubdirs: 1, Mtime: 99},
			Rstat:    NestStat{Rbytes: 10, Rfiles: 1, Rsubdirs: 1},
		},
		Dentries: []DentryRecord{
			{Name: "a", Ino: FirstUserIno, DType: DTReg, Version: 2, Inode: &InodeInfo{
				Ino: FirstUserIno, Mode: ModeReg | 0o644, Nlink: 2, Size: 10,
				Layout: FileLayout{Pool: 2, StripeUnit: 1 << 22, StripeCount: 1, ObjectSize: 1 << 22},
				Rstat:  NestStat{Rbytes: 10, Rfiles: 1, Rctime: -5},
			}},
			{Name: "b", Ino: FirstUserIno, DType: DTReg, Remote: true},
			{Name: "d", Ino: FirstUserIno + 1, DType: DTDir, Inode: &InodeInfo{Ino: FirstUserIno + 1, Mode: ModeDir | 0o755}},
		},
	}
	data, err := obj.Marshal()
	require.NoError(t, err)

	got := &DirFragObject{}
	require.NoError(t, got.Unmarshal(data))
	require.Equal(t, obj, got)
	require.True(t, got.Dentries[2].Inode.IsDir())

	info := &InodeInfo{}
	raw, _ := obj.Dentries[0].Inode.Marshal()
	require.NoError(t, info.Unmarshal(raw))
	require.Equal(t, obj.Dentries[0].Inode, info)
}

func TestServiceCodec(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)

	resp := &OpenResponse{
		Info: InodeInfo{
			Ino: FirstUserIno + 9, Mode: ModeReg | 0o644, Nlink: 2, Size: 4096,
			Layout: FileLayout{Pool: 2, StripeUnit: 1 << 22, StripeCount: 1, ObjectSize: 1 << 22},
			Rstat:  NestStat{Rbytes: 4096, Rfiles: 1, Rctime: -5},
		},
		Cap: 77,
	}
	data, err := codec.Marshal(resp)
	require.NoError(t, err)
	got := &OpenResponse{}
	require.NoError(t, codec.Unmarshal(data, got))
	require.Equal(t, resp, got)

	// the request id travels as a nested message in field 1
	req := &RenameRequest{ReqID: ReqID{Client: 3, Tid: 11}, Src: "/a", Dst: "/b"}
	data, err = codec.Marshal(req)
	require.NoError(t, err)
	num, typ, n := protowire.ConsumeTag(data)
	require.True(t, n > 0)
	require.Equal(t, protowire.Number(1), num)
	require.Equal(t, protowire.BytesType, typ)
	gotReq := &RenameRequest{Src: "stale"}
	require.NoError(t, codec.Unmarshal(data, gotReq))
	require.Equal(t, req, gotReq)

	// unknown fields are skipped
	data, err = codec.Marshal(&UnlinkRequest{ReqID: ReqID{Tid: 1}, Path: "/x", Dir: true})
	require.NoError(t, err)
	open := &OpenRequest{}
	require.NoError(t, codec.Unmarshal(data, open))
	require.Equal(t, &OpenRequest{ReqID: ReqID{Tid: 1}, Path: "/x"}, open)

	empty, err := codec.Marshal(&EmptyResponse{})
	require.NoError(t, err)
	require.Empty(t, empty)
	require.NoError(t, codec.Unmarshal(nil, &EmptyResponse{}))

	_, err = codec.Marshal(struct{}{})
	require.Error(t, err)
	require.Error(t, codec.Unmarshal(data, &struct{}{}))
	require.Error(t, codec.Unmarshal([]byte{0x0a, 0x05}, &UnlinkRequest{}))
}
