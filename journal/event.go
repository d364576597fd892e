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
	"fmt"

	"github.com/cubefs/mdcache/proto"
)

type EventType uint8

const (
	EventUpdate     = EventType(1)
	EventSubtreeMap = EventType(2)
)

func (t EventType) String() string {
	switch t {
	case EventUpdate:
		return "EUpdate"
	case EventSubtreeMap:
		return "ESubtreeMap"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

type Event interface {
	Type() EventType
	Marshal() ([]byte, error)
	Unmarshal(raw []byte) error
}

// EUpdate is the transaction of one client mutation.
type EUpdate struct {
	Op    string      `json:"op"`
	ReqID proto.ReqID `json:"reqid"`
	Blob  *MetaBlob   `json:"blob"`
}

func NewEUpdate(op string, reqID proto.ReqID) *EUpdate {
	return &EUpdate{Op: op, ReqID: reqID, Blob: NewMetaBlob()}
}

func (ev *EUpdate) Type() EventType { return EventUpdate }

func (ev *EUpdate) Marshal() ([]byte, error) {
	e := &proto.Encoder{}
	e.String(1, ev.Op)
	e.Uint(2, ev.ReqID.Client)
	e.Uint(3, ev.ReqID.Tid)
	e.Message(4, ev.Blob.Encode)
	return e.Bytes(), nil
}

func (ev *EUpdate) Unmarshal(raw []byte) error {
	ev.Blob = NewMetaBlob()
	return proto.DecodeFields(raw, func(f *proto.Field) error {
		switch f.Num {
		case 1:
			ev.Op = string(f.B)
		case 2:
			ev.ReqID.Client = f.V
		case 3:
			ev.ReqID.Tid = f.V
		case 4:
			return ev.Blob.Decode(f.B)
		}
		return nil
	})
}

// ESubtreeMap names the subtrees this rank is authoritative for. It opens
// every run of the log so replay knows where the hierarchy is rooted.
type ESubtreeMap struct {
	Subtrees []proto.DirFrag `json:"subtrees"`
	Blob     *MetaBlob       `json:"blob"`
}

func (ev *ESubtreeMap) Type() EventType { return EventSubtreeMap }

func (ev *ESubtreeMap) Marshal() ([]byte, error) {
	e := &proto.Encoder{}
	for _, df := range ev.Subtrees {
		df := df
		e.Message(1, func(e *proto.Encoder) {
			e.Uint(1, uint64(df.Ino))
			e.Uint(2, uint64(df.Frag))
		})
	}
	e.Message(2, ev.Blob.Encode)
	return e.Bytes(), nil
}

func (ev *ESubtreeMap) Unmarshal(raw []byte) error {
	ev.Subtrees = nil
	ev.Blob = NewMetaBlob()
	return proto.DecodeFields(raw, func(f *proto.Field) error {
		switch f.Num {
		case 1:
			df := proto.DirFrag{}
			if err := proto.DecodeFields(f.B, func(f *proto.Field) error {
				switch f.Num {
				case 1:
					df.Ino = proto.Ino(f.V)
				case 2:
					df.Frag = proto.FragID(f.V)
				}
				return nil
			}); err != nil {
				return err
			}
			ev.Subtrees = append(ev.Subtrees, df)
		case 2:
			return ev.Blob.Decode(f.B)
		}
		return nil
	})
}

func newEvent(t EventType) (Event, error) {
	switch t {
	case EventUpdate:
		return &EUpdate{}, nil
	case EventSubtreeMap:
		return &ESubtreeMap{}, nil
	default:
		return nil, fmt.Errorf("unknown journal event type %d", uint8(t))
	}
}

// EncodeEvent prefixes the payload with its event type.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := ev.Marshal()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 1+len(payload))
	raw[0] = byte(ev.Type())
	copy(raw[1:], payload)
	return raw, nil
}

func DecodeEvent(raw []byte) (Event, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty journal event")
	}
	ev, err := newEvent(EventType(raw[0]))
	if err != nil {
		return nil, err
	}
	if err := ev.Unmarshal(raw[1:]); err != nil {
		return nil, err
	}
	return ev, nil
}
