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


package server

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/mdcache"
	"github.com/cubefs/mdcache/store"
)

const (
	defaultCacheMaxInodes = 1 << 20
	defaultFlushIntervalS = 5
	defaultInoAllocStep   = 1024
	defaultCloseTimeoutS  = 30
)

type Config struct {
	CacheConfig   mdcache.Config `json:"cache_config"`
	StoreConfig   store.Config   `json:"store_config"`
	JournalConfig journal.Config `json:"journal_config"`

	CacheMaxInodes int `json:"cache_max_inodes"`
	FlushIntervalS int `json:"flush_interval_s"`
	InoAllocStep   int `json:"ino_alloc_step"`
}

// Server owns the cache of one rank together with its backing store and
// journal, and runs the background flush and trim.
type Server struct {
	cfg Config

	store    *store.Store
	log      *journal.Log
	inoAlloc *store.InoAllocator
	cache    *mdcache.MDCache

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	st, err := store.NewStore(ctx, &cfg.StoreConfig, journal.ColumnFamilies...)
	if err != nil {
		return nil, errors.Info(err, "open store failed")
	}
	log, err := journal.NewLog(ctx, st.KVStore(), cfg.JournalConfig)
	if err != nil {
		st.Close()
		return nil, errors.Info(err, "open journal failed")
	}
	inoAlloc, err := store.NewInoAllocator(ctx, st, cfg.InoAllocStep)
	if err != nil {
		st.Close()
		return nil, errors.Info(err, "open ino allocator failed")
	}

	s := &Server{
		cfg:      *cfg,
		store:    st,
		log:      log,
		inoAlloc: inoAlloc,
		done:     make(chan struct{}),
	}
	s.cache = mdcache.NewMDCache(&cfg.CacheConfig, st, log, nil)
	s.cache.SetRequestHandler(s)

	if err := s.boot(ctx); err != nil {
		span.Errorf("boot rank %d failed: %s", cfg.CacheConfig.Rank, errors.Detail(err))
		s.cache.Close()
		st.Close()
		return nil, err
	}
	s.loop()
	return s, nil
}

// boot opens the system hierarchy, creating it on an empty store, and
// replays the journal over it.
func (s *Server) boot(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	c := s.cache

	err := c.OpenRootAndMydir(ctx)
	switch {
	case err == nil:
	case apierrors.Is(err, apierrors.ErrNotFound):
		span.Infof("no hierarchy found, create rank %d", c.Rank())
		if err = c.CreateEmptyHierarchy(ctx); err != nil {
			return err
		}
		if err = c.CreateMydirHierarchy(ctx); err != nil {
			return err
		}
	default:
		return err
	}
	if err = c.PopulateMydir(ctx); err != nil {
		return err
	}

	last, err := c.ReplayJournal(ctx)
	if err != nil {
		return err
	}
	if err = c.OpenReplayUndefInodes(ctx); err != nil {
		return err
	}
	seq, err := s.log.Submit(ctx, c.CreateSubtreeMap())
	if err != nil {
		return errors.Info(err, "submit subtree map failed")
	}
	span.Infof("rank %d up, replayed to %d, subtree map at %d", c.Rank(), last, seq)
	return nil
}

func (s *Server) Cache() *mdcache.MDCache {
	return s.cache
}

func (s *Server) Stats() Stats {
	return Stats{
		Cache:   s.cache.Stats(),
		Journal: s.log.Stats(),
	}
}

type Stats struct {
	Cache   mdcache.Stats `json:"cache"`
	Journal journal.Stats `json:"journal"`
}

func (s *Server) loop() {
	_, ctx := trace.StartSpanFromContext(context.Background(), "")
	ticker := time.NewTicker(time.Duration(s.cfg.FlushIntervalS) * time.Second)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.flushAndTrim(ctx)
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Server) flushAndTrim(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	if err := s.cache.Flush(ctx); err != nil {
		span.Warnf("flush failed: %s", errors.Detail(err))
		return
	}
	if n := s.cache.Trim(s.cfg.CacheMaxInodes); n > 0 {
		span.Debugf("trimmed %d inodes", n)
	}
}

// Close refuses new requests, waits for the running ones, flushes what is
// left and closes the store.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		span, ctx := trace.StartSpanFromContext(context.Background(), "")
		close(s.done)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(ctx, defaultCloseTimeoutS*time.Second)
		defer cancel()
		if err := s.cache.Shutdown(ctx); err != nil {
			span.Warnf("shutdown cache failed: %s", err)
		}
		if err := s.cache.Flush(ctx); err != nil {
			span.Warnf("final flush failed: %s", errors.Detail(err))
		}
		s.log.Fence()
		s.cache.Close()
		s.store.Close()
	})
}

func initConfig(cfg *Config) {
	if cfg.CacheMaxInodes <= 0 {
		cfg.CacheMaxInodes = defaultCacheMaxInodes
	}
	if cfg.FlushIntervalS <= 0 {
		cfg.FlushIntervalS = defaultFlushIntervalS
	}
	if cfg.InoAllocStep <= 0 {
		cfg.InoAllocStep = defaultInoAllocStep
	}
}
