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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/util/btree"
	"github.com/cubefs/mdcache/common/kvstore"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/util"
	"github.com/cubefs/mdcache/util/limiter"
)

const (
	journalCF = kvstore.CF("journal")

	defaultMaxInflight = 64
)

var (
	// ColumnFamilies must be opened in the kv instance the log lives in.
	ColumnFamilies = []kvstore.CF{journalCF, raftCF}

	headKey = []byte("head")
)

// Journaler is the write-ahead log segment manager seen by the cache.
type Journaler interface {
	// Submit queues ev durably and returns its sequence. A rejected event
	// fails with ErrJournalAdmission and leaves no trace in the log.
	Submit(ctx context.Context, ev Event) (uint64, error)
	// Replay calls fn for every event with sequence > from, in order.
	Replay(ctx context.Context, from uint64, fn func(seq uint64, ev Event) error) error
	// Expire drops events up to and including seq once their effects are persisted.
	Expire(ctx context.Context, seq uint64) error
	Stats() Stats
}

type Config struct {
	MaxInflight  int `json:"max_inflight"`
	OpsPerSecond int `json:"ops_per_second"`
}

type Stats struct {
	Head     uint64         `json:"head"`
	Expired  uint64         `json:"expired"`
	Pending  int            `json:"pending"`
	Fenced   bool           `json:"fenced"`
	Admitted limiter.Status `json:"admitted"`
	RaftTerm uint64         `json:"raft_term"`
	Applied  uint64         `json:"raft_applied"`
}

type segmentItem struct {
	seq uint64
	typ EventType
}

func (s *segmentItem) Less(than btree.Item) bool {
	return s.seq < than.(*segmentItem).seq
}

func (s *segmentItem) Copy() btree.Item {
	c := *s
	return &c
}

// Log is a journal kept in a column of the kv store, keyed by sequence.
// Events are ordered by a single member raft group before they are written.
type Log struct {
	kvStore kvstore.Store
	limiter limiter.Limiter
	node    *raftNode

	lock    sync.Mutex
	head    uint64
	expired uint64
	fenced  bool
	// unexpired events
	segments *btree.BTree
}

func NewLog(ctx context.Context, kvStore kvstore.Store, cfg Config) (*Log, error) {
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	l := &Log{
		kvStore:  kvStore,
		limiter:  limiter.NewLimiter(limiter.LimitConfig{Concurrency: cfg.MaxInflight, OpsPerSecond: cfg.OpsPerSecond}),
		segments: btree.New(32),
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	pending := &appliedEvents{next: l.head}
	node, err := newRaftNode(ctx, kvStore, l.applier(pending))
	if err != nil {
		return nil, err
	}
	l.node = node
	l.commitApplied(pending)
	return l, nil
}

// appliedEvents collects the events raft applied during one drive.
type appliedEvents struct {
	next  uint64
	items []*segmentItem
}

func (l *Log) applier(a *appliedEvents) applyFunc {
	return func(batch kvstore.WriteBatch, data []byte) uint64 {
		a.next++
		batch.Put(journalCF, util.EncodeUint64(a.next), data)
		batch.Put(journalCF, headKey, util.EncodeUint64(a.next))
		a.items = append(a.items, &segmentItem{seq: a.next, typ: EventType(data[0])})
		return a.next
	}
}

func (l *Log) commitApplied(a *appliedEvents) {
	if a.next > l.head {
		l.head = a.next
	}
	for _, item := range a.items {
		l.segments.ReplaceOrInsert(item)
	}
}

func (l *Log) Submit(ctx context.Context, ev Event) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := l.limiter.Wait(ctx); err != nil {
		return 0, apierrors.Wrapf(apierrors.ErrJournalAdmission, "wait admission: %v", err)
	}
	if err := l.limiter.Acquire(); err != nil {
		span.Warnf("journal admission rejected: %v", err)
		return 0, apierrors.ErrJournalAdmission
	}
	defer l.limiter.Release()

	raw, err := EncodeEvent(ev)
	if err != nil {
		return 0, err
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if l.fenced {
		return 0, apierrors.ErrJournalAdmission
	}
	pending := &appliedEvents{next: l.head}
	seqs, err := l.node.propose(ctx, raw, l.applier(pending))
	if err != nil {
		// memory and disk may disagree from here on
		l.fenced = true
		span.Errorf("write journal event failed: %s", errors.Detail(err))
		return 0, apierrors.Wrapf(apierrors.ErrJournalAdmission, "write event: %v", err)
	}
	if len(seqs) == 0 {
		return 0, apierrors.Wrapf(apierrors.ErrJournalAdmission, "event %s not committed", ev.Type())
	}
	l.commitApplied(pending)
	seq := seqs[len(seqs)-1]
	span.Debugf("journal event %s submitted, seq: %d", ev.Type(), seq)
	return seq, nil
}

func (l *Log) Replay(ctx context.Context, from uint64, fn func(seq uint64, ev Event) error) error {
	l.lock.Lock()
	head := l.head
	if from < l.expired {
		from = l.expired
	}
	l.lock.Unlock()

	lr := l.kvStore.List(ctx, journalCF, nil, util.EncodeUint64(from+1))
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return errors.Info(err, "read journal failed")
		}
		if key == nil {
			return nil
		}
		if len(key) != 8 {
			continue
		}
		seq := util.DecodeUint64(key)
		if seq > head {
			return nil
		}
		ev, err := DecodeEvent(value)
		if err != nil {
			return errors.Info(err, "decode journal event failed")
		}
		if err := fn(seq, ev); err != nil {
			return err
		}
	}
}

func (l *Log) Expire(ctx context.Context, seq uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if seq > l.head {
		seq = l.head
	}
	if seq <= l.expired {
		return nil
	}

	batch := l.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(journalCF, util.EncodeUint64(l.expired+1), util.EncodeUint64(seq+1))
	if err := l.kvStore.Write(ctx, batch); err != nil {
		return errors.Info(err, "expire journal failed")
	}

	var drop []btree.Item
	l.segments.AscendLessThan(&segmentItem{seq: seq + 1}, func(i btree.Item) bool {
		drop = append(drop, i)
		return true
	})
	for _, i := range drop {
		l.segments.Delete(i)
	}
	l.expired = seq
	return nil
}

// Fence makes every later submission fail admission.
func (l *Log) Fence() {
	l.lock.Lock()
	l.fenced = true
	l.lock.Unlock()
}

func (l *Log) Stats() Stats {
	l.lock.Lock()
	defer l.lock.Unlock()
	term, applied := l.node.status()
	return Stats{
		Head:     l.head,
		Expired:  l.expired,
		Pending:  l.segments.Len(),
		Fenced:   l.fenced,
		Admitted: l.limiter.Status(),
		RaftTerm: term,
		Applied:  applied,
	}
}

func (l *Log) load(ctx context.Context) error {
	raw, err := l.kvStore.GetRaw(ctx, journalCF, headKey)
	if err != nil && err != kvstore.ErrNotFound {
		return errors.Info(err, "load journal head failed")
	}
	if err == nil {
		l.head = util.DecodeUint64(raw)
	}

	lr := l.kvStore.List(ctx, journalCF, nil, nil)
	defer lr.Close()
	first := true
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return errors.Info(err, "scan journal failed")
		}
		if key == nil {
			break
		}
		if len(key) != 8 || len(value) == 0 {
			continue
		}
		seq := util.DecodeUint64(key)
		if first {
			l.expired = seq - 1
			first = false
		}
		l.segments.ReplaceOrInsert(&segmentItem{seq: seq, typ: EventType(value[0])})
	}
	if first {
		l.expired = l.head
	}
	return nil
}
