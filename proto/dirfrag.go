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

// DentryRecord is the stored form of a dentry. Primary dentries embed the inode.
type DentryRecord struct {
	Name    string     `json:"name"`
	Ino     Ino        `json:"ino"`
	DType   uint8      `json:"dtype"`
	Remote  bool       `json:"remote"`
	Version uint64     `json:"version"`
	Inode   *InodeInfo `json:"inode,omitempty"`
}

func (r *DentryRecord) Encode(e *Encoder) {
	e.String(1, r.Name)
	e.Uint(2, uint64(r.Ino))
	e.Uint(3, uint64(r.DType))
	e.Bool(4, r.Remote)
	e.Uint(5, r.Version)
	if r.Inode != nil {
		e.Message(6, r.Inode.Encode)
	}
}

func (r *DentryRecord) Decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			r.Name = string(f.B)
		case 2:
			r.Ino = Ino(f.V)
		case 3:
			r.DType = uint8(f.V)
		case 4:
			r.Remote = f.V != 0
		case 5:
			r.Version = f.V
		case 6:
			r.Inode = &InodeInfo{}
			return r.Inode.Decode(f.B)
		}
		return nil
	})
}

// DirFragObject is the stored form of one directory fragment.
type DirFragObject struct {
	DirFrag  DirFrag        `json:"dirfrag"`
	Fnode    Fnode          `json:"fnode"`
	Dentries []DentryRecord `json:"dentries"`
}

func (o *DirFragObject) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Uint(1, uint64(o.DirFrag.Ino))
	e.Uint(2, uint64(o.DirFrag.Frag))
	e.Message(3, o.Fnode.Encode)
	for i := range o.Dentries {
		e.Message(4, o.Dentries[i].Encode)
	}
	return e.Bytes(), nil
}

func (o *DirFragObject) Unmarshal(b []byte) error {
	*o = DirFragObject{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			o.DirFrag.Ino = Ino(f.V)
		case 2:
			o.DirFrag.Frag = FragID(f.V)
		case 3:
			return o.Fnode.Decode(f.B)
		case 4:
			r := DentryRecord{}
			if err := r.Decode(f.B); err != nil {
				return err
			}
			o.Dentries = append(o.Dentries, r)
		}
		return nil
	})
}
