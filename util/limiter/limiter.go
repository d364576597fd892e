// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter bounds in-flight operations by count and their throughput by ops per second.
	Limiter interface {
		Acquire() error
		Release()
		Wait(ctx context.Context) error
		SetConcurrency(value uint32)
		SetOpsPerSecond(ops int)
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency  int `json:"concurrency"`
		OpsPerSecond int `json:"ops_per_second"`
	}
	Status struct {
		Config  LimitConfig
		Running int
		WaitMs  int
	}
	limiter struct {
		config     LimitConfig
		countLimit CountLimit
		rate       *rate.Limiter
	}
)

// NewLimiter returns a limiter, zero values in cfg disable that dimension.
func NewLimiter(cfg LimitConfig) Limiter {
	l := &limiter{config: cfg}
	if cfg.Concurrency > 0 {
		l.countLimit = NewCountLimit(cfg.Concurrency)
	}
	if cfg.OpsPerSecond > 0 {
		l.rate = rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), cfg.OpsPerSecond)
	}
	return l
}

func (l *limiter) Acquire() error {
	if l.countLimit != nil {
		return l.countLimit.Acquire()
	}
	return nil
}

func (l *limiter) Release() {
	if l.countLimit != nil {
		l.countLimit.Release()
	}
}

func (l *limiter) Wait(ctx context.Context) error {
	if l.rate != nil {
		return l.rate.Wait(ctx)
	}
	return nil
}

func (l *limiter) SetConcurrency(value uint32) {
	if l.countLimit == nil {
		l.countLimit = NewCountLimit(int(value))
	} else {
		l.countLimit.SetLimit(value)
	}
	l.config.Concurrency = int(value)
}

func (l *limiter) SetOpsPerSecond(ops int) {
	if l.rate == nil {
		l.rate = rate.NewLimiter(rate.Limit(ops), ops)
	} else {
		l.rate.SetLimit(rate.Limit(ops))
		l.rate.SetBurst(ops)
	}
	l.config.OpsPerSecond = ops
}

func (l *limiter) Status() Status {
	st := Status{Config: l.config}
	if l.countLimit != nil {
		st.Running = l.countLimit.Running()
	}
	if l.rate != nil {
		st.WaitMs = rateWait(l.rate)
	}
	return st
}

func rateWait(r *rate.Limiter) int {
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
