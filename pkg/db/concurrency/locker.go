// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package concurrency

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelagodb/pelago/pkg/db/concurrency/lock"
	"github.com/pelagodb/pelago/pkg/db/storage"
	"github.com/pelagodb/pelago/pkg/util/syncutil"
	"github.com/pelagodb/pelago/pkg/util/ticketholder"
	"github.com/pelagodb/pelago/pkg/util/timeutil"
)

// ErrLockTimeout is the marker for lock (and admission ticket) acquisitions
// which exceeded their deadline. Match with errors.Is.
var ErrLockTimeout = errors.New("timeout waiting for lock")

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

func newLockTimeoutError(res lock.ResourceID, mode lock.Mode) error {
	return errors.Mark(
		errors.Newf("could not acquire lock on %s in mode %s before the deadline", res, mode),
		ErrLockTimeout)
}

// clientState says which admission ticket class the locker currently holds.
type clientState int

const (
	clientStateInactive clientState = iota
	clientStateActiveReader
	clientStateActiveWriter
)

var lockerIDCounter atomic.Uint64

// Locker tracks every lock one operation holds: modes, recursion counts, a
// single in-flight wait, admission tickets and the interplay with the
// operation's write unit of work and recovery unit.
//
// A Locker is owned by its operation and is not thread-safe; only the thread
// driving the operation may call into it. The one exception is
// WaitingResource, which other threads may poll.
type Locker struct {
	id  uint64
	mgr *Manager

	requests map[lock.ResourceID]*request
	nextSeq  uint64

	// wuowNestingLevel is the write unit of work depth. While positive,
	// releases of exclusive-intent locks are deferred to the outermost end.
	wuowNestingLevel int

	readTickets  *ticketholder.TicketHolder
	writeTickets *ticketholder.TicketHolder
	// shouldAcquireTicket gates admission control; maintenance operations
	// switch it off to bypass throttling.
	shouldAcquireTicket bool
	state               clientState
	heldTicket          *ticketholder.TicketHolder

	// flushLockForGlobal makes every global acquisition also take the legacy
	// engine's flush lock in the intent-equivalent mode.
	flushLockForGlobal bool

	recoveryUnit storage.RecoveryUnit

	// pendingGlobal carries an in-flight global acquisition between
	// LockGlobalBegin and LockGlobalComplete.
	pendingGlobal pendingGlobal

	waiting struct {
		mu  syncutil.Mutex
		res lock.ResourceID
	}
}

// NewLocker returns a Locker for a document-level locking engine, attached
// to the process-wide lock table.
func NewLocker() *Locker {
	return &Locker{
		id:                  lockerIDCounter.Add(1),
		mgr:                 DefaultManager(),
		requests:            make(map[lock.ResourceID]*request),
		shouldAcquireTicket: true,
	}
}

// NewLegacyLocker returns a Locker for the legacy storage engine, which pins
// the flush lock alongside the global lock.
func NewLegacyLocker() *Locker {
	l := NewLocker()
	l.flushLockForGlobal = true
	return l
}

// ID returns the locker's process-unique id, used in diagnostics.
func (l *Locker) ID() uint64 {
	return l.id
}

// SetRecoveryUnit installs the non-owning back reference to the operation's
// recovery unit.
func (l *Locker) SetRecoveryUnit(ru storage.RecoveryUnit) {
	l.recoveryUnit = ru
}

// SetGlobalThrottling installs the admission ticket holders consulted on
// global lock acquisition. Either may be nil to disable that class.
func (l *Locker) SetGlobalThrottling(read, write *ticketholder.TicketHolder) {
	l.readTickets = read
	l.writeTickets = write
}

// SetShouldAcquireTicket switches admission control on or off for this
// locker. Only legal while no global lock is held.
func (l *Locker) SetShouldAcquireTicket(v bool) {
	if l.state != clientStateInactive {
		panic(errors.AssertionFailedf("changing ticket policy while holding a ticket"))
	}
	l.shouldAcquireTicket = v
}

// WaitingResource returns the resource this locker is currently queued on,
// or an invalid id. Safe to call from other threads.
func (l *Locker) WaitingResource() lock.ResourceID {
	l.waiting.mu.Lock()
	defer l.waiting.mu.Unlock()
	return l.waiting.res
}

func (l *Locker) setWaiting(res lock.ResourceID) {
	l.waiting.mu.Lock()
	l.waiting.res = res
	l.waiting.mu.Unlock()
}

func (l *Locker) clearWaiting() {
	l.setWaiting(lock.ResourceID{})
}

// BeginWriteUnitOfWork opens (or nests) a write unit of work. Unlocks of
// exclusive-intent locks inside the region are deferred until the outermost
// EndWriteUnitOfWork.
func (l *Locker) BeginWriteUnitOfWork() {
	l.wuowNestingLevel++
}

// EndWriteUnitOfWork closes one nesting level and, at the outermost level,
// performs the deferred releases.
func (l *Locker) EndWriteUnitOfWork() {
	if l.wuowNestingLevel <= 0 {
		panic(errors.AssertionFailedf("EndWriteUnitOfWork without a matching begin"))
	}
	l.wuowNestingLevel--
	if l.wuowNestingLevel > 0 {
		return
	}
	var deferred []*request
	for _, req := range l.requests {
		if req.unlockPending > 0 {
			deferred = append(deferred, req)
		}
	}
	// Reverse acquisition order, so the global lock (the oldest) goes last.
	sort.Slice(deferred, func(i, j int) bool { return deferred[i].seq > deferred[j].seq })
	for _, req := range deferred {
		for req.unlockPending > 0 {
			req.unlockPending--
			l.unlockOne(req)
		}
	}
}

// InAWriteUnitOfWork reports whether a write unit of work is open.
func (l *Locker) InAWriteUnitOfWork() bool {
	return l.wuowNestingLevel > 0
}

// LockGlobal acquires the global lock in the given mode, waiting until the
// deadline. It acquires an admission ticket first when configured to, and on
// the legacy engine also takes the flush lock in the intent-equivalent mode.
func (l *Locker) LockGlobal(mode lock.Mode, deadline time.Time) error {
	granted, err := l.LockGlobalBegin(mode, deadline)
	if err != nil {
		return err
	}
	if !granted {
		return l.LockGlobalComplete(deadline)
	}
	return nil
}

// LockGlobalBegin issues the global lock request without waiting for it,
// after admission. It reports whether the request was granted immediately.
// If it was not, the caller must either LockGlobalComplete or cancel via
// CancelGlobalEnqueue.
func (l *Locker) LockGlobalBegin(mode lock.Mode, deadline time.Time) (granted bool, _ error) {
	if mode == lock.ModeNone {
		panic(errors.AssertionFailedf("global lock requested in mode NONE"))
	}
	if l.requests[lock.ResourceIDGlobal] == nil && l.shouldAcquireTicket {
		holder := l.writeTickets
		st := clientStateActiveWriter
		if lock.IsShared(mode) {
			holder = l.readTickets
			st = clientStateActiveReader
		}
		if holder != nil {
			metrics.TicketQueueLength.Inc()
			acquired := holder.AcquireUntil(deadline)
			metrics.TicketQueueLength.Dec()
			if !acquired {
				metrics.TicketTimeouts.Inc()
				return false, errors.Mark(
					errors.Newf("could not acquire a %s ticket before the deadline",
						ticketClassName(st)), ErrLockTimeout)
			}
			l.heldTicket = holder
		}
		l.state = st
	}

	res, prevMode := l.lockBegin(lock.ResourceIDGlobal, mode)
	l.pendingGlobal = pendingGlobal{mode: mode, prevMode: prevMode, active: res == lockResultWaiting}
	if res == lockResultWaiting {
		return false, nil
	}
	return true, l.finishGlobalAcquire(mode, deadline)
}

// pendingGlobal carries the state of an in-flight global acquisition between
// LockGlobalBegin and LockGlobalComplete.
type pendingGlobal struct {
	mode     lock.Mode
	prevMode lock.Mode
	active   bool
}

// LockGlobalComplete waits for a global lock request issued with
// LockGlobalBegin, until the deadline. On timeout the request, and the
// admission ticket if one was taken, are released.
func (l *Locker) LockGlobalComplete(deadline time.Time) error {
	p := l.pendingGlobal
	if !p.active {
		panic(errors.AssertionFailedf("LockGlobalComplete without a pending global request"))
	}
	if err := l.lockComplete(lock.ResourceIDGlobal, p.mode, deadline, p.prevMode); err != nil {
		l.pendingGlobal = pendingGlobal{}
		if p.prevMode == lock.ModeNone {
			// A fresh acquisition timed out; the admission ticket goes back.
			// A failed upgrade keeps the lock, and the ticket, it still holds.
			l.releaseTicketIfHeld()
		}
		return err
	}
	l.pendingGlobal = pendingGlobal{}
	return l.finishGlobalAcquire(p.mode, deadline)
}

// CancelGlobalEnqueue abandons a global lock request issued with
// LockGlobalBegin without waiting for it. If the request was granted in the
// meantime the grant is released.
func (l *Locker) CancelGlobalEnqueue() {
	if err := l.LockGlobalComplete(timeutil.Now().Add(-time.Nanosecond)); err == nil {
		l.UnlockGlobal()
	}
}

// finishGlobalAcquire runs after the global resource is granted: legacy
// engines additionally pin the flush lock.
func (l *Locker) finishGlobalAcquire(mode lock.Mode, deadline time.Time) error {
	if !l.flushLockForGlobal {
		return nil
	}
	if err := l.Lock(lock.ResourceIDFlush, lock.IntentOf(mode), deadline); err != nil {
		l.UnlockGlobal()
		return err
	}
	return nil
}

// UnlockGlobal undoes one global acquisition (flush lock first on the legacy
// engine) and returns whether the global lock is now fully released. On the
// full release the admission ticket is returned and, outside a write unit of
// work, the recovery unit's snapshot is abandoned.
func (l *Locker) UnlockGlobal() bool {
	if l.requests[lock.ResourceIDGlobal] == nil {
		panic(errors.AssertionFailedf("global lock released but not held"))
	}
	if l.flushLockForGlobal && l.requests[lock.ResourceIDFlush] != nil {
		l.Unlock(lock.ResourceIDFlush)
	}
	return l.Unlock(lock.ResourceIDGlobal)
}

// Lock acquires res in the given mode, waiting until the deadline. A
// re-acquisition in a covered mode only bumps the recursion count; a
// stronger mode upgrades to the least upper bound, blocking on conflicts
// with other holders. On timeout the previous state is restored and
// ErrLockTimeout returned.
func (l *Locker) Lock(res lock.ResourceID, mode lock.Mode, deadline time.Time) error {
	result, prevMode := l.lockBegin(res, mode)
	if result == lockResultGranted {
		return nil
	}
	return l.lockComplete(res, mode, deadline, prevMode)
}

// lockBegin issues the request. prevMode is the mode held before an upgrade
// (ModeNone for a fresh request) so a timeout can restore it.
func (l *Locker) lockBegin(res lock.ResourceID, mode lock.Mode) (lockResult, lock.Mode) {
	if mode == lock.ModeNone {
		panic(errors.AssertionFailedf("lock on %s requested in mode NONE", res))
	}
	if req := l.requests[res]; req != nil {
		held := l.mgr.modeHeld(req)
		if lock.Covers(mode, held) {
			l.mgr.reacquire(req)
			return lockResultGranted, lock.ModeNone
		}
		newMode := lock.LUB(held, mode)
		result := l.mgr.convert(req, newMode)
		if result == lockResultWaiting {
			l.setWaiting(res)
			return result, held
		}
		metrics.Acquisitions.WithLabelValues(newMode.String()).Inc()
		return result, held
	}

	req := &request{
		locker: l,
		notify: make(chan struct{}, 1),
		seq:    l.nextSeq,
	}
	l.nextSeq++
	// Global S and X requests jump the queue and, once granted, let
	// compatible readers bypass a queued writer.
	if res == lock.ResourceIDGlobal && (mode == lock.ModeS || mode == lock.ModeX) {
		req.enqueueAtFront = true
		req.compatibleFirst = true
	}
	req.recursiveCount = 1
	l.requests[res] = req

	result := l.mgr.lockResource(res, req, mode)
	if result == lockResultWaiting {
		l.setWaiting(res)
	} else {
		metrics.Acquisitions.WithLabelValues(mode.String()).Inc()
	}
	return result, lock.ModeNone
}

// lockComplete waits for the in-flight request on res until the deadline.
func (l *Locker) lockComplete(
	res lock.ResourceID, mode lock.Mode, deadline time.Time, prevMode lock.Mode,
) error {
	req := l.requests[res]
	if req == nil {
		panic(errors.AssertionFailedf("waiting on %s with no request", res))
	}

	var timer timeutil.Timer
	defer timer.Stop()
	for {
		// A grant may already have been delivered.
		select {
		case <-req.notify:
			l.clearWaiting()
			metrics.Acquisitions.WithLabelValues(lock.LUB(prevMode, mode).String()).Inc()
			return nil
		default:
		}
		wait := timeutil.Until(deadline)
		if wait <= 0 {
			break
		}
		timer.Reset(wait)
		select {
		case <-req.notify:
			timer.Stop()
			l.clearWaiting()
			metrics.Acquisitions.WithLabelValues(lock.LUB(prevMode, mode).String()).Inc()
			return nil
		case <-timer.C:
			// Fall through to the non-blocking recheck, which picks up a
			// grant that raced with the timer.
		}
	}

	// Timed out. Remove the request (or roll the conversion back) so no
	// trace of it remains, then drain a grant signal that may have raced in.
	if prevMode != lock.ModeNone {
		l.mgr.cancelConvert(req, prevMode)
	} else {
		l.mgr.cancelWait(req)
		delete(l.requests, res)
	}
	select {
	case <-req.notify:
	default:
	}
	l.clearWaiting()
	metrics.Timeouts.Inc()
	return newLockTimeoutError(res, mode)
}

// Unlock undoes one acquisition of res. Inside a write unit of work the
// release of exclusive-intent locks is deferred to EndWriteUnitOfWork. It
// returns true when the lock is actually fully released.
func (l *Locker) Unlock(res lock.ResourceID) bool {
	req := l.requests[res]
	if req == nil {
		panic(errors.AssertionFailedf("unlock of %s which is not held", res))
	}
	if l.wuowNestingLevel > 0 && shouldDelayUnlock(res, l.mgr.modeHeld(req)) {
		if req.unlockPending >= req.recursiveCount {
			panic(errors.AssertionFailedf("unbalanced deferred unlock of %s", res))
		}
		req.unlockPending++
		return false
	}
	return l.unlockOne(req)
}

// shouldDelayUnlock says whether a release inside a write unit of work must
// wait for the unit to end. Two-phase locking for the exclusive-intent
// modes; cooperative mutexes are exempt.
func shouldDelayUnlock(res lock.ResourceID, mode lock.Mode) bool {
	if res.Type() == lock.ResourceTypeMutex {
		return false
	}
	return mode == lock.ModeX || mode == lock.ModeIX
}

func (l *Locker) unlockOne(req *request) bool {
	fully := l.mgr.unlock(req)
	if !fully {
		return false
	}
	delete(l.requests, req.res)
	if req.res == lock.ResourceIDGlobal {
		l.releaseTicketIfHeld()
		if l.wuowNestingLevel == 0 && l.recoveryUnit != nil {
			l.recoveryUnit.AbandonSnapshot()
		}
	}
	return true
}

func (l *Locker) releaseTicketIfHeld() {
	if l.heldTicket != nil {
		l.heldTicket.Release()
		l.heldTicket = nil
	}
	l.state = clientStateInactive
}

// Downgrade weakens the mode held on res without releasing it; newMode must
// be covered by the held mode. The weaker mode is immediately visible to
// other lockers and may unblock queued waiters.
func (l *Locker) Downgrade(res lock.ResourceID, newMode lock.Mode) {
	req := l.requests[res]
	if req == nil {
		panic(errors.AssertionFailedf("downgrade of %s which is not held", res))
	}
	l.mgr.downgrade(req, newMode)
}

// ModeHeld returns the mode held on res, or ModeNone.
func (l *Locker) ModeHeld(res lock.ResourceID) lock.Mode {
	req := l.requests[res]
	if req == nil {
		return lock.ModeNone
	}
	return l.mgr.modeHeld(req)
}

// IsLockedForMode reports whether the mode held on res covers mode.
func (l *Locker) IsLockedForMode(res lock.ResourceID, mode lock.Mode) bool {
	return lock.Covers(mode, l.ModeHeld(res))
}

// IsLocked reports whether the global lock is held in any mode.
func (l *Locker) IsLocked() bool {
	return l.ModeHeld(lock.ResourceIDGlobal) != lock.ModeNone
}

// IsW reports whether the global lock is held exclusively.
func (l *Locker) IsW() bool {
	return l.ModeHeld(lock.ResourceIDGlobal) == lock.ModeX
}

// IsR reports whether the global lock is held in shared mode.
func (l *Locker) IsR() bool {
	return l.ModeHeld(lock.ResourceIDGlobal) == lock.ModeS
}

// IsReadLocked reports whether the global lock is held in at least
// intent-shared mode.
func (l *Locker) IsReadLocked() bool {
	return l.IsLockedForMode(lock.ResourceIDGlobal, lock.ModeIS)
}

// IsWriteLocked reports whether the global lock is held in at least
// intent-exclusive mode.
func (l *Locker) IsWriteLocked() bool {
	return l.IsLockedForMode(lock.ResourceIDGlobal, lock.ModeIX)
}

// IsDBLockedForMode reports whether the named database is locked at least as
// strongly as mode, taking global coverage into account.
func (l *Locker) IsDBLockedForMode(dbName string, mode lock.Mode) bool {
	if l.IsW() {
		return true
	}
	if l.IsR() && lock.IsShared(mode) {
		return true
	}
	return l.IsLockedForMode(lock.DatabaseResourceID(dbName), mode)
}

// IsCollectionLockedForMode reports whether the collection namespace
// "db.coll" is locked at least as strongly as mode, taking global and
// database coverage into account.
func (l *Locker) IsCollectionLockedForMode(ns string, mode lock.Mode) bool {
	if l.IsW() {
		return true
	}
	if l.IsR() && lock.IsShared(mode) {
		return true
	}
	switch l.ModeHeld(lock.DatabaseResourceID(nsToDatabase(ns))) {
	case lock.ModeX:
		return true
	case lock.ModeS:
		return lock.IsShared(mode)
	case lock.ModeIX, lock.ModeIS:
		return l.IsLockedForMode(lock.CollectionResourceID(ns), mode)
	default:
		return false
	}
}

// SavedLock is one entry of a LockSnapshot.
type SavedLock struct {
	Res  lock.ResourceID
	Mode lock.Mode
	seq  uint64
}

// LockSnapshot is the state captured by SaveLockStateAndUnlock, sufficient
// to reacquire everything in the original order and modes.
type LockSnapshot struct {
	GlobalMode lock.Mode
	Locks      []SavedLock
}

// SaveLockStateAndUnlock captures the held locks into stateOut and releases
// them, for a cooperative yield. It refuses (returning false, releasing
// nothing) when no global lock is held or when the global lock is held
// recursively: a recursive hold means an enclosing scope relies on the lock
// staying put. Cooperative mutexes are never released. Must not be called
// inside a write unit of work.
func (l *Locker) SaveLockStateAndUnlock(stateOut *LockSnapshot) bool {
	if l.InAWriteUnitOfWork() {
		panic(errors.AssertionFailedf("saving lock state inside a write unit of work"))
	}
	*stateOut = LockSnapshot{}

	globalReq := l.requests[lock.ResourceIDGlobal]
	if globalReq == nil {
		return false
	}
	if globalReq.recursiveCount > 1 {
		return false
	}
	stateOut.GlobalMode = l.mgr.modeHeld(globalReq)

	for res, req := range l.requests {
		switch res.Type() {
		case lock.ResourceTypeGlobal, lock.ResourceTypeFlush, lock.ResourceTypeMutex:
			// Global and flush are restored from GlobalMode; mutexes stay.
			continue
		}
		if req.recursiveCount > 1 {
			panic(errors.AssertionFailedf("saving recursively held lock on %s", res))
		}
		stateOut.Locks = append(stateOut.Locks,
			SavedLock{Res: res, Mode: l.mgr.modeHeld(req), seq: req.seq})
	}
	sort.Slice(stateOut.Locks, func(i, j int) bool {
		return stateOut.Locks[i].seq < stateOut.Locks[j].seq
	})

	for _, saved := range stateOut.Locks {
		l.unlockOne(l.requests[saved.Res])
	}
	l.UnlockGlobal()
	return true
}

// RestoreLockState reacquires the locks captured by SaveLockStateAndUnlock,
// global first, then the rest in their original order. Reacquisition waits
// without bound.
func (l *Locker) RestoreLockState(state *LockSnapshot) {
	if l.IsLocked() {
		panic(errors.AssertionFailedf("restoring lock state while still locked"))
	}
	if err := l.LockGlobal(state.GlobalMode, timeutil.Max); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "unbounded global reacquisition failed"))
	}
	for _, saved := range state.Locks {
		if err := l.Lock(saved.Res, saved.Mode, timeutil.Max); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "unbounded reacquisition failed"))
		}
	}
}

func ticketClassName(st clientState) string {
	if st == clientStateActiveReader {
		return "read"
	}
	return "write"
}
