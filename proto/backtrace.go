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

// Backpointer names one link of an inode's ancestor chain.
type Backpointer struct {
	DirIno  Ino    `json:"dirino"`
	Name    string `json:"dname"`
	Version uint64 `json:"version"`
}

// Backtrace is stored alongside an inode's first object. Ancestors[0] is the
// immediate parent, the last entry hangs off a base inode.
type Backtrace struct {
	Ino       Ino           `json:"ino"`
	Pool      int64         `json:"pool"`
	Ancestors []Backpointer `json:"ancestors"`
}

func (bt *Backtrace) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Uint(1, uint64(bt.Ino))
	e.Int(2, bt.Pool)
	for i := range bt.Ancestors {
		bp := &bt.Ancestors[i]
		e.Message(3, func(e *Encoder) {
			e.Uint(1, uint64(bp.DirIno))
			e.String(2, bp.Name)
			e.Uint(3, bp.Version)
		})
	}
	return e.Bytes(), nil
}

func (bt *Backtrace) Unmarshal(b []byte) error {
	*bt = Backtrace{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			bt.Ino = Ino(f.V)
		case 2:
			bt.Pool = f.Int()
		case 3:
			bp := Backpointer{}
			if err := DecodeFields(f.B, func(f *Field) error {
				switch f.Num {
				case 1:
					bp.DirIno = Ino(f.V)
				case 2:
					bp.Name = string(f.B)
				case 3:
					bp.Version = f.V
				}
				return nil
			}); err != nil {
				return err
			}
			bt.Ancestors = append(bt.Ancestors, bp)
		}
		return nil
	})
}
