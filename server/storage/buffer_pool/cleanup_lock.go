package buffer_pool

import (
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/logger"
)

// LockBufferForCleanup acquires the exclusive content lock and additionally
// waits until this session's pin is the only one. The caller must already
// hold exactly one pin.
func (s *Session) LockBufferForCleanup(b Buffer) error {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return err
	}
	if s.privateRefGet(b) != 1 {
		return errors.Annotatef(ErrBadBufferID,
			"cleanup lock requires exactly one local pin on buffer %d", b)
	}

	logged := false
	for {
		desc.contentLock.Acquire(contentExclusive)
		st := desc.LockHeader()
		if BufStateGetRefCount(st) == 1 {
			// 只剩我们自己的pin，成功
			desc.UnlockHeader(st)
			return nil
		}
		if st&BUF_PIN_COUNT_WAITER != 0 {
			desc.UnlockHeader(st)
			desc.contentLock.Release()
			return errors.Annotatef(ErrConcurrentPinCountWaiters, "buffer %d", b)
		}

		// drain a stale signal from an earlier round
		select {
		case <-s.wakeup:
		default:
		}
		desc.waitBackendID = s.id
		s.pinCountWaitBuf = desc
		desc.UnlockHeader(st | BUF_PIN_COUNT_WAITER)
		desc.contentLock.Release()

		// Sleep until the unpinner that leaves us alone signals. During
		// replay the startup process logs a conflict after a timeout, in
		// the style of the deadlock check.
		for signaled := false; !signaled; {
			select {
			case <-s.wakeup:
				signaled = true
			case <-time.After(s.pool.cfg.DeadlockTimeout):
				if !logged {
					logger.Warnf("session %d waiting for cleanup lock on %s blocked by pinned buffer",
						s.id, desc.tag.String())
					logged = true
				}
			}
		}
		s.pinCountWaitBuf = nil

		// Clear a stale waiter flag in case the signal raced.
		st = desc.LockHeader()
		if st&BUF_PIN_COUNT_WAITER != 0 && desc.waitBackendID == s.id {
			st &^= BUF_PIN_COUNT_WAITER
		}
		desc.UnlockHeader(st)
	}
}

// ConditionalLockBufferForCleanup is the non-blocking variant: it returns
// false the moment the lock or the pin condition is unavailable.
func (s *Session) ConditionalLockBufferForCleanup(b Buffer) (bool, error) {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return false, err
	}
	if s.privateRefGet(b) == 0 {
		return false, errors.Annotatef(ErrBadBufferID, "buffer %d is not pinned", b)
	}
	if s.privateRefGet(b) != 1 {
		// 本会话还有别的pin，永远等不到refcount==1
		return false, nil
	}
	if !desc.contentLock.ConditionalAcquire(contentExclusive) {
		return false, nil
	}
	st := desc.LockHeader()
	ok := BufStateGetRefCount(st) == 1
	desc.UnlockHeader(st)
	if !ok {
		desc.contentLock.Release()
	}
	return ok, nil
}

// IsBufferCleanupOK checks whether a buffer the caller has pinned once and
// content-locked exclusively satisfies the cleanup condition right now.
func (s *Session) IsBufferCleanupOK(b Buffer) (bool, error) {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return false, err
	}
	if s.privateRefGet(b) != 1 {
		return false, nil
	}
	st := desc.LockHeader()
	ok := BufStateGetRefCount(st) == 1
	desc.UnlockHeader(st)
	return ok, nil
}

// UnlockBuffers clears a cleanup-lock wait left behind by an aborted
// operation. Part of the resource-owner teardown.
func (s *Session) UnlockBuffers() {
	desc := s.pinCountWaitBuf
	if desc == nil {
		return
	}
	st := desc.LockHeader()
	if st&BUF_PIN_COUNT_WAITER != 0 && desc.waitBackendID == s.id {
		st &^= BUF_PIN_COUNT_WAITER
	}
	desc.UnlockHeader(st)
	s.pinCountWaitBuf = nil
}
