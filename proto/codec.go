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
	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder appends protobuf wire fields. Zero scalars are omitted.
type Encoder struct {
	buf []byte
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf[:0]}
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *Encoder) Int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

func (e *Encoder) Raw(num protowire.Number, v []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *Encoder) String(num protowire.Number, s string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// Message always emits the field, so repeated empty messages survive.
func (e *Encoder) Message(num protowire.Number, fn func(e *Encoder)) {
	sub := &Encoder{}
	fn(sub)
	e.Raw(num, sub.buf)
}

// Field is one decoded wire field.
type Field struct {
	Num protowire.Number
	Typ protowire.Type
	V   uint64
	B   []byte
}

func (f *Field) Int() int64 {
	return protowire.DecodeZigZag(f.V)
}

// DecodeFields walks every field of a wire message. Unknown wire types are skipped.
func DecodeFields(b []byte, fn func(f *Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := &Field{Num: num, Typ: typ}
		switch typ {
		case protowire.VarintType:
			f.V, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.B, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (l *FileLayout) encode(e *Encoder) {
	e.Int(1, l.Pool)
	e.Uint(2, uint64(l.StripeUnit))
	e.Uint(3, uint64(l.StripeCount))
	e.Uint(4, uint64(l.ObjectSize))
}

func (l *FileLayout) decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			l.Pool = f.Int()
		case 2:
			l.StripeUnit = uint32(f.V)
		case 3:
			l.StripeCount = uint32(f.V)
		case 4:
			l.ObjectSize = uint32(f.V)
		}
		return nil
	})
}

func (s *FragStat) encode(e *Encoder) {
	e.Int(1, s.Mtime)
	e.Int(2, s.NFiles)
	e.Int(3, s.NSubdirs)
	e.Uint(4, s.Version)
}

func (s *FragStat) decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			s.Mtime = f.Int()
		case 2:
			s.NFiles = f.Int()
		case 3:
			s.NSubdirs = f.Int()
		case 4:
			s.Version = f.V
		}
		return nil
	})
}

func (s *NestStat) encode(e *Encoder) {
	e.Int(1, s.Rctime)
	e.Int(2, s.Rbytes)
	e.Int(3, s.Rfiles)
	e.Int(4, s.Rsubdirs)
	e.Uint(5, s.Version)
}

func (s *NestStat) decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			s.Rctime = f.Int()
		case 2:
			s.Rbytes = f.Int()
		case 3:
			s.Rfiles = f.Int()
		case 4:
			s.Rsubdirs = f.Int()
		case 5:
			s.Version = f.V
		}
		return nil
	})
}

func (i *InodeInfo) Encode(e *Encoder) {
	e.Uint(1, uint64(i.Ino))
	e.Uint(2, uint64(i.Mode))
	e.Uint(3, uint64(i.Uid))
	e.Uint(4, uint64(i.Gid))
	e.Uint(5, uint64(i.Nlink))
	e.Uint(6, i.Size)
	e.Int(7, i.Mtime)
	e.Int(8, i.Ctime)
	e.Uint(9, i.Version)
	e.Message(10, i.Layout.encode)
	e.Message(11, i.Dirstat.encode)
	e.Message(12, i.Rstat.encode)
	e.Message(13, i.AccountedRstat.encode)
	e.Uint(14, i.BacktraceVersion)
}

func (i *InodeInfo) Decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			i.Ino = Ino(f.V)
		case 2:
			i.Mode = uint32(f.V)
		case 3:
			i.Uid = uint32(f.V)
		case 4:
			i.Gid = uint32(f.V)
		case 5:
			i.Nlink = uint32(f.V)
		case 6:
			i.Size = f.V
		case 7:
			i.Mtime = f.Int()
		case 8:
			i.Ctime = f.Int()
		case 9:
			i.Version = f.V
		case 10:
			return i.Layout.decode(f.B)
		case 11:
			return i.Dirstat.decode(f.B)
		case 12:
			return i.Rstat.decode(f.B)
		case 13:
			return i.AccountedRstat.decode(f.B)
		case 14:
			i.BacktraceVersion = f.V
		}
		return nil
	})
}

func (i *InodeInfo) Marshal() ([]byte, error) {
	e := &Encoder{}
	i.Encode(e)
	return e.Bytes(), nil
}

func (i *InodeInfo) Unmarshal(b []byte) error {
	*i = InodeInfo{}
	return i.Decode(b)
}

func (fn *Fnode) Encode(e *Encoder) {
	e.Uint(1, fn.Version)
	e.Message(2, fn.Fragstat.encode)
	e.Message(3, fn.AccountedFragstat.encode)
	e.Message(4, fn.Rstat.encode)
	e.Message(5, fn.AccountedRstat.encode)
}

func (fn *Fnode) Decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			fn.Version = f.V
		case 2:
			return fn.Fragstat.decode(f.B)
		case 3:
			return fn.AccountedFragstat.decode(f.B)
		case 4:
			return fn.Rstat.decode(f.B)
		case 5:
			return fn.AccountedRstat.decode(f.B)
		}
		return nil
	})
}
