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

	"google.golang.org/grpc/encoding"
)

const (
	ServiceName = "mdcache.MDS"
	CodecName   = "mds"
)

type (
	MkdirRequest struct {
		ReqID ReqID  `json:"req_id"`
		Path  string `json:"path"`
		Mode  uint32 `json:"mode"`
	}
	CreateRequest struct {
		ReqID ReqID  `json:"req_id"`
		Path  string `json:"path"`
		Mode  uint32 `json:"mode"`
	}
	LinkRequest struct {
		ReqID  ReqID  `json:"req_id"`
		Target string `json:"target"`
		Path   string `json:"path"`
	}
	UnlinkRequest struct {
		ReqID ReqID  `json:"req_id"`
		Path  string `json:"path"`
		Dir   bool   `json:"dir"`
	}
	RenameRequest struct {
		ReqID ReqID  `json:"req_id"`
		Src   string `json:"src"`
		Dst   string `json:"dst"`
	}
	LookupRequest struct {
		Path string `json:"path"`
	}
	OpenRequest struct {
		ReqID ReqID  `json:"req_id"`
		Path  string `json:"path"`
	}
	ReleaseRequest struct {
		ReqID ReqID `json:"req_id"`
		Ino   Ino   `json:"ino"`
		Cap   CapID `json:"cap"`
	}

	InodeResponse struct {
		Info InodeInfo `json:"info"`
	}
	OpenResponse struct {
		Info InodeInfo `json:"info"`
		Cap  CapID     `json:"cap"`
	}
	EmptyResponse struct{}
)

// Message is a service message with its own wire form.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

func (r *ReqID) encode(e *Encoder) {
	e.Uint(1, r.Client)
	e.Uint(2, r.Tid)
}

func (r *ReqID) decode(b []byte) error {
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			r.Client = f.V
		case 2:
			r.Tid = f.V
		}
		return nil
	})
}

func (m *MkdirRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.ReqID.encode)
	e.String(2, m.Path)
	e.Uint(3, uint64(m.Mode))
	return e.Bytes(), nil
}

func (m *MkdirRequest) Unmarshal(b []byte) error {
	*m = MkdirRequest{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.ReqID.decode(f.B)
		case 2:
			m.Path = string(f.B)
		case 3:
			m.Mode = uint32(f.V)
		}
		return nil
	})
}

func (m *CreateRequest) Marshal() ([]byte, error) {
	return (*MkdirRequest)(m).Marshal()
}

func (m *CreateRequest) Unmarshal(b []byte) error {
	return (*MkdirRequest)(m).Unmarshal(b)
}

func (m *LinkRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.ReqID.encode)
	e.String(2, m.Target)
	e.String(3, m.Path)
	return e.Bytes(), nil
}

func (m *LinkRequest) Unmarshal(b []byte) error {
	*m = LinkRequest{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.ReqID.decode(f.B)
		case 2:
			m.Target = string(f.B)
		case 3:
			m.Path = string(f.B)
		}
		return nil
	})
}

func (m *UnlinkRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.ReqID.encode)
	e.String(2, m.Path)
	e.Bool(3, m.Dir)
	return e.Bytes(), nil
}

func (m *UnlinkRequest) Unmarshal(b []byte) error {
	*m = UnlinkRequest{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.ReqID.decode(f.B)
		case 2:
			m.Path = string(f.B)
		case 3:
			m.Dir = f.V != 0
		}
		return nil
	})
}

func (m *RenameRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.ReqID.encode)
	e.String(2, m.Src)
	e.String(3, m.Dst)
	return e.Bytes(), nil
}

func (m *RenameRequest) Unmarshal(b []byte) error {
	*m = RenameRequest{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.ReqID.decode(f.B)
		case 2:
			m.Src = string(f.B)
		case 3:
			m.Dst = string(f.B)
		}
		return nil
	})
}

func (m *LookupRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.String(1, m.Path)
	return e.Bytes(), nil
}

func (m *LookupRequest) Unmarshal(b []byte) error {
	*m = LookupRequest{}
	return DecodeFields(b, func(f *Field) error {
		if f.Num == 1 {
			m.Path = string(f.B)
		}
		return nil
	})
}

func (m *OpenRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.ReqID.encode)
	e.String(2, m.Path)
	return e.Bytes(), nil
}

func (m *OpenRequest) Unmarshal(b []byte) error {
	*m = OpenRequest{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.ReqID.decode(f.B)
		case 2:
			m.Path = string(f.B)
		}
		return nil
	})
}

func (m *ReleaseRequest) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.ReqID.encode)
	e.Uint(2, uint64(m.Ino))
	e.Uint(3, m.Cap)
	return e.Bytes(), nil
}

func (m *ReleaseRequest) Unmarshal(b []byte) error {
	*m = ReleaseRequest{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.ReqID.decode(f.B)
		case 2:
			m.Ino = Ino(f.V)
		case 3:
			m.Cap = f.V
		}
		return nil
	})
}

func (m *InodeResponse) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.Info.Encode)
	return e.Bytes(), nil
}

func (m *InodeResponse) Unmarshal(b []byte) error {
	*m = InodeResponse{}
	return DecodeFields(b, func(f *Field) error {
		if f.Num == 1 {
			return m.Info.Decode(f.B)
		}
		return nil
	})
}

func (m *OpenResponse) Marshal() ([]byte, error) {
	e := &Encoder{}
	e.Message(1, m.Info.Encode)
	e.Uint(2, m.Cap)
	return e.Bytes(), nil
}

func (m *OpenResponse) Unmarshal(b []byte) error {
	*m = OpenResponse{}
	return DecodeFields(b, func(f *Field) error {
		switch f.Num {
		case 1:
			return m.Info.Decode(f.B)
		case 2:
			m.Cap = f.V
		}
		return nil
	})
}

func (m *EmptyResponse) Marshal() ([]byte, error) {
	return nil, nil
}

func (m *EmptyResponse) Unmarshal(b []byte) error {
	return DecodeFields(b, func(*Field) error { return nil })
}

// Codec carries the MDS service messages over grpc in protobuf wire format.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%T is not an mds message", v)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%T is not an mds message", v)
	}
	return m.Unmarshal(data)
}

func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
