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
	"context"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/mdcache/common/kvstore"
	"github.com/cubefs/mdcache/util"
)

const (
	raftCF = kvstore.CF("raft")

	raftNodeID = 1
)

var (
	hardStateKey = []byte("hs")
	appliedKey   = []byte("applied")
	entryPrefix  = []byte("e")
)

// raftNode orders journal events through a single member raft group. Raft
// entries live in raftCF until applied, committed events are written to
// journalCF in the same batch that records the applied position.
type raftNode struct {
	kvStore kvstore.Store
	storage *raft.MemoryStorage
	rawNode *raft.RawNode

	applied     uint64
	appliedTerm uint64
}

// applyFunc writes one committed event into batch and returns its journal
// sequence.
type applyFunc func(batch kvstore.WriteBatch, data []byte) uint64

// newRaftNode restores the group and elects the only member. Entries that
// were committed but not applied before a restart are applied through apply.
func newRaftNode(ctx context.Context, kvStore kvstore.Store, apply applyFunc) (*raftNode, error) {
	n := &raftNode{kvStore: kvStore, storage: raft.NewMemoryStorage()}
	if err := n.load(ctx); err != nil {
		return nil, err
	}

	rawNode, err := raft.NewRawNode(&raft.Config{
		ID:              raftNodeID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         n.storage,
		Applied:         n.applied,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		Logger:          raftLogger{},
	})
	if err != nil {
		return nil, errors.Info(err, "new raft node failed")
	}
	n.rawNode = rawNode
	// the only voter wins at once
	if err := rawNode.Campaign(); err != nil {
		return nil, errors.Info(err, "raft campaign failed")
	}
	if _, err := n.process(ctx, apply); err != nil {
		return nil, err
	}
	if st := rawNode.Status(); st.RaftState != raft.StateLeader {
		return nil, errors.New("raft node did not become leader")
	}
	return n, nil
}

// load restores the applied position, hard state and unapplied entries. A
// fresh log starts from a snapshot at index 1 that carries the membership.
func (n *raftNode) load(ctx context.Context) error {
	n.applied, n.appliedTerm = 1, 1
	raw, err := n.kvStore.GetRaw(ctx, raftCF, appliedKey)
	if err != nil && err != kvstore.ErrNotFound {
		return errors.Info(err, "load raft applied index failed")
	}
	if err == nil && len(raw) == 16 {
		n.applied = util.DecodeUint64(raw[:8])
		n.appliedTerm = util.DecodeUint64(raw[8:])
	}
	if err := n.storage.ApplySnapshot(raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
		Index:     n.applied,
		Term:      n.appliedTerm,
		ConfState: raftpb.ConfState{Voters: []uint64{raftNodeID}},
	}}); err != nil {
		return errors.Info(err, "restore raft snapshot failed")
	}

	raw, err = n.kvStore.GetRaw(ctx, raftCF, hardStateKey)
	if err != nil && err != kvstore.ErrNotFound {
		return errors.Info(err, "load raft hard state failed")
	}
	if err == nil {
		hs := raftpb.HardState{}
		if err := hs.Unmarshal(raw); err != nil {
			return errors.Info(err, "decode raft hard state failed")
		}
		if err := n.storage.SetHardState(hs); err != nil {
			return err
		}
	}

	lr := n.kvStore.List(ctx, raftCF, entryPrefix, encodeEntryKey(n.applied+1))
	defer lr.Close()
	var ents []raftpb.Entry
	for {
		_, value, err := lr.ReadNextCopy()
		if err != nil {
			return errors.Info(err, "scan raft entries failed")
		}
		if value == nil {
			break
		}
		e := raftpb.Entry{}
		if err := e.Unmarshal(value); err != nil {
			return errors.Info(err, "decode raft entry failed")
		}
		ents = append(ents, e)
	}
	return n.storage.Append(ents)
}

// propose hands data to raft and drives it until the entry is applied,
// returning the journal sequences of the applied events.
func (n *raftNode) propose(ctx context.Context, data []byte, apply applyFunc) ([]uint64, error) {
	if err := n.rawNode.Propose(data); err != nil {
		return nil, errors.Info(err, "raft propose failed")
	}
	return n.process(ctx, apply)
}

// process persists and applies every pending Ready.
func (n *raftNode) process(ctx context.Context, apply applyFunc) ([]uint64, error) {
	var seqs []uint64
	for n.rawNode.HasReady() {
		rd := n.rawNode.Ready()

		batch := n.kvStore.NewWriteBatch()
		if !raft.IsEmptyHardState(rd.HardState) {
			raw, err := rd.HardState.Marshal()
			if err != nil {
				batch.Close()
				return nil, err
			}
			batch.Put(raftCF, hardStateKey, raw)
		}
		for i := range rd.Entries {
			raw, err := rd.Entries[i].Marshal()
			if err != nil {
				batch.Close()
				return nil, err
			}
			batch.Put(raftCF, encodeEntryKey(rd.Entries[i].Index), raw)
		}

		applied, appliedTerm := n.applied, n.appliedTerm
		for _, e := range rd.CommittedEntries {
			if e.Type == raftpb.EntryNormal && len(e.Data) > 0 {
				seqs = append(seqs, apply(batch, e.Data))
			}
			applied, appliedTerm = e.Index, e.Term
		}
		if applied != n.applied {
			pos := make([]byte, 16)
			copy(pos, util.EncodeUint64(applied))
			copy(pos[8:], util.EncodeUint64(appliedTerm))
			batch.Put(raftCF, appliedKey, pos)
			batch.DeleteRange(raftCF, encodeEntryKey(0), encodeEntryKey(applied+1))
		}
		err := n.kvStore.Write(ctx, batch)
		batch.Close()
		if err != nil {
			return nil, errors.Info(err, "persist raft ready failed")
		}

		if !raft.IsEmptyHardState(rd.HardState) {
			if err := n.storage.SetHardState(rd.HardState); err != nil {
				return nil, err
			}
		}
		if err := n.storage.Append(rd.Entries); err != nil {
			return nil, err
		}
		if applied != n.applied {
			n.applied, n.appliedTerm = applied, appliedTerm
			if err := n.storage.Compact(applied); err != nil && err != raft.ErrCompacted {
				return nil, err
			}
		}
		n.rawNode.Advance(rd)
	}
	return seqs, nil
}

func (n *raftNode) status() (term, applied uint64) {
	st := n.rawNode.Status()
	return st.Term, n.applied
}

func encodeEntryKey(index uint64) []byte {
	b := make([]byte, len(entryPrefix)+8)
	copy(b, entryPrefix)
	copy(b[len(entryPrefix):], util.EncodeUint64(index))
	return b
}

type raftLogger struct{}

func (raftLogger) Debug(v ...interface{})                   { log.Debug(v...) }
func (raftLogger) Debugf(format string, v ...interface{})   { log.Debugf(format, v...) }
func (raftLogger) Info(v ...interface{})                    { log.Info(v...) }
func (raftLogger) Infof(format string, v ...interface{})    { log.Infof(format, v...) }
func (raftLogger) Warning(v ...interface{})                 { log.Warn(v...) }
func (raftLogger) Warningf(format string, v ...interface{}) { log.Warnf(format, v...) }
func (raftLogger) Error(v ...interface{})                   { log.Error(v...) }
func (raftLogger) Errorf(format string, v ...interface{})   { log.Errorf(format, v...) }
func (raftLogger) Fatal(v ...interface{})                   { log.Fatal(v...) }
func (raftLogger) Fatalf(format string, v ...interface{})   { log.Fatalf(format, v...) }
func (raftLogger) Panic(v ...interface{})                   { log.Panic(v...) }
func (raftLogger) Panicf(format string, v ...interface{})   { log.Panicf(format, v...) }
