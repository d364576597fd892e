package mdcache

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/proto"
)

// RequestStart admits a request. A zero reqID is replaced by a fresh one
// under proto.InternalClient, which callers may not supply themselves.
func (c *MDCache) RequestStart(ctx context.Context, op string, reqID proto.ReqID, client interface{}) (*MDRequest, error) {
	if reqID.Client == proto.InternalClient {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "request %s uses a reserved client", reqID)
	}
	c.requestLock.Lock()
	defer c.requestLock.Unlock()
	if c.shuttingDown {
		return nil, apierrors.ErrShuttingDown
	}
	if reqID.IsZero() {
		c.lastTid++
		reqID = proto.ReqID{Client: proto.InternalClient, Tid: c.lastTid}
	}
	if _, ok := c.activeReqs[reqID]; ok {
		c.fault(ctx, "duplicate_request", "request %s is already live", reqID)
		return nil, apierrors.ErrDuplicateIdentity
	}

	mdr := &MDRequest{
		Mutation: newMutation(reqID),
		Op:       op,
		Client:   client,
		start:    time.Now(),
	}
	mdr.ctx, mdr.cancel = context.WithCancel(ctx)
	c.activeReqs[reqID] = mdr
	return mdr, nil
}

// RequestGet returns the live record of reqID. A miss means the request has
// already finished or never started.
func (c *MDCache) RequestGet(reqID proto.ReqID) (*MDRequest, bool) {
	c.requestLock.Lock()
	defer c.requestLock.Unlock()
	mdr, ok := c.activeReqs[reqID]
	return mdr, ok
}

// DispatchRequest runs the request's operation and settles the record: a
// success or a failure after journaling finishes it, an earlier failure kills it.
func (c *MDCache) DispatchRequest(mdr *MDRequest) error {
	span := trace.SpanFromContextSafe(mdr.ctx)
	if c.handler == nil {
		c.RequestKill(mdr.ctx, mdr)
		return apierrors.ErrIllegalState
	}

	err := c.handler.DispatchClientRequest(mdr.ctx, mdr)
	if err == nil {
		c.RequestFinish(mdr.ctx, mdr)
		return nil
	}
	span.Debugf("request %s %s failed: %s", mdr.Op, mdr.ReqID, errors.Detail(err))
	if kerr := c.RequestKill(mdr.ctx, mdr); kerr != nil {
		// journaled, it has to complete
		c.RequestFinish(mdr.ctx, mdr)
	}
	return err
}

// SubmitMutation queues ev for mut. On rejection the mutation stays where it
// was and can still be killed.
func (c *MDCache) SubmitMutation(ctx context.Context, mut *Mutation, ev journal.Event) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	mut.lock.Lock()
	if mut.state == StateKilled || mut.state >= StateJournaled || mut.submitting {
		mut.lock.Unlock()
		return 0, apierrors.Wrapf(apierrors.ErrIllegalState, "submit %s in state %s", mut.ReqID, mut.state)
	}
	mut.submitting = true
	mut.lock.Unlock()

	c.LockLogSegments()
	seq, err := c.journal.Submit(ctx, ev)
	c.UnlockLogSegments()

	mut.lock.Lock()
	defer mut.lock.Unlock()
	mut.submitting = false
	if err != nil {
		metrics.JournalEvents.WithLabelValues(ev.Type().String(), "rejected").Inc()
		span.Warnf("submit %s of %s failed: %s", ev.Type(), mut.ReqID, errors.Detail(err))
		if !apierrors.Is(err, apierrors.ErrJournalAdmission) {
			err = apierrors.Wrapf(apierrors.ErrJournalAdmission, "%v", err)
		}
		return 0, err
	}
	metrics.JournalEvents.WithLabelValues(ev.Type().String(), "ok").Inc()
	mut.state = StateJournaled
	mut.seq = seq
	return seq, nil
}

// ApplyMutation commits a journaled mutation: its changes can no longer be
// rolled back.
func (c *MDCache) ApplyMutation(mut *Mutation) error {
	mut.lock.Lock()
	if mut.state != StateJournaled {
		state := mut.state
		mut.lock.Unlock()
		return apierrors.Wrapf(apierrors.ErrIllegalState, "apply %s in state %s", mut.ReqID, state)
	}
	mut.state = StateApplied
	seq := mut.seq
	mut.lock.Unlock()

	c.lock.Lock()
	mut.undo = nil
	if seq > c.lastApply {
		c.lastApply = seq
	}
	c.lock.Unlock()
	return nil
}

// RequestFinish commits the request and releases it.
func (c *MDCache) RequestFinish(ctx context.Context, mdr *MDRequest) {
	if mdr.State() == StateJournaled {
		c.ApplyMutation(mdr.Mutation)
	}

	c.lock.Lock()
	if len(mdr.undo) > 0 {
		c.fault(ctx, "unjournaled_finish", "request %s finished with unjournaled changes", mdr.ReqID)
		c.rollbackLocked(mdr.Mutation)
	}
	c.lock.Unlock()

	mdr.lock.Lock()
	mdr.state = StateFinished
	mdr.lock.Unlock()
	metrics.Requests.WithLabelValues(mdr.Op, "finished").Inc()
	c.RequestCleanup(mdr)
}

// RequestKill aborts the request, restoring every object it changed. Once its
// transaction is queued to the journal a request can only finish.
func (c *MDCache) RequestKill(ctx context.Context, mdr *MDRequest) error {
	mdr.lock.Lock()
	if mdr.submitting || (mdr.state >= StateJournaled && mdr.state != StateKilled) {
		state := mdr.state
		mdr.lock.Unlock()
		c.fault(ctx, "kill_after_journal", "kill request %s in state %s", mdr.ReqID, state)
		return apierrors.Wrapf(apierrors.ErrIllegalState, "kill %s after journaling", mdr.ReqID)
	}
	if mdr.state == StateKilled {
		mdr.lock.Unlock()
		return nil
	}
	mdr.state = StateKilled
	mdr.lock.Unlock()
	mdr.cancel()

	c.lock.Lock()
	c.rollbackLocked(mdr.Mutation)
	c.lock.Unlock()
	metrics.Requests.WithLabelValues(mdr.Op, "killed").Inc()
	c.RequestCleanup(mdr)
	return nil
}

// RequestCleanup releases the locks in reverse order, drops the pins and
// deregisters the record.
func (c *MDCache) RequestCleanup(mdr *MDRequest) {
	c.releaseLocks(mdr.Mutation)

	c.lock.Lock()
	c.unpinAllLocked(mdr.Mutation)
	c.lock.Unlock()

	c.requestLock.Lock()
	if mdr.done {
		c.requestLock.Unlock()
		return
	}
	mdr.done = true
	if c.activeReqs[mdr.ReqID] == mdr {
		delete(c.activeReqs, mdr.ReqID)
	}
	if c.shuttingDown && len(c.activeReqs) == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
	c.requestLock.Unlock()
	mdr.cancel()
}
