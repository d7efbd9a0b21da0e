package buffer_pool

import (
	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// privateRefEntries is the size of the fast array; most sessions never pin
// more distinct buffers than this at once.
const privateRefEntries = 8

type privateRef struct {
	buffer   Buffer
	refcount int32
}

// Session is one worker's view of the pool: its private pin counts, its
// resource owner, and its writeback context. A Session is not safe for
// concurrent use; one goroutine (or one request at a time) drives it.
type Session struct {
	pool *BufferPool
	id   int32

	// 固定数组+溢出map的私有引用计数
	refs     [privateRefEntries]privateRef
	overflow map[Buffer]int32
	reserved int // index of the pre-reserved array slot, or -1
	clock    int // round-robin displacement pointer

	owner *ResourceOwner

	// wakeup delivers the cleanup-lock signal from an unpinner.
	wakeup chan struct{}

	// pinCountWaitBuf is set while blocked in a cleanup-lock wait.
	pinCountWaitBuf *BufferDesc

	// in-flight I/O claims, released by AbortBufferIO on error paths
	inProgress []ioClaim

	// scratch holds the checksum copy of a page being written.
	scratch []byte

	wb *WritebackContext

	// BlocksDirtied counts pages first dirtied by this session.
	BlocksDirtied int64
}

// NewSession registers a worker with the pool.
func (p *BufferPool) NewSession() *Session {
	s := &Session{
		pool:     p,
		overflow: make(map[Buffer]int32),
		reserved: -1,
		wakeup:   make(chan struct{}, 1),
		scratch:  make([]byte, common.PAGE_SIZE),
	}
	s.owner = &ResourceOwner{sess: s}
	s.wb = newWritebackContext(p, func() int { return p.cfg.BackendFlushAfter })
	p.sessMu.Lock()
	p.nextSessionID++
	s.id = p.nextSessionID
	p.sessions[s.id] = s
	p.sessMu.Unlock()
	return s
}

// Close releases everything the session still holds and checks for leaks.
func (s *Session) Close() {
	s.owner.Release()
	s.CheckForBufferLeaks()
	s.wb.Issue()
	s.pool.sessMu.Lock()
	delete(s.pool.sessions, s.id)
	s.pool.sessMu.Unlock()
}

// Owner returns the session's resource owner.
func (s *Session) Owner() *ResourceOwner { return s.owner }

// Pool returns the pool this session belongs to.
func (s *Session) Pool() *BufferPool { return s.pool }

func (p *BufferPool) sessionByID(id int32) *Session {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.sessions[id]
}

// reservePrivateRef guarantees a free array slot so the pin protocol never
// allocates while the header spinlock is held. Call before any pin attempt.
func (s *Session) reservePrivateRef() {
	if s.reserved >= 0 {
		return
	}
	for i := range s.refs {
		if s.refs[i].buffer == InvalidBuffer {
			s.reserved = i
			return
		}
	}
	// Array full: displace one entry into the overflow map, round robin.
	victim := s.clock % privateRefEntries
	s.clock++
	ref := &s.refs[victim]
	s.overflow[ref.buffer] += ref.refcount
	ref.buffer = InvalidBuffer
	ref.refcount = 0
	s.reserved = victim
}

// privateRefGet returns this session's pin count on b.
func (s *Session) privateRefGet(b Buffer) int32 {
	for i := range s.refs {
		if s.refs[i].buffer == b {
			return s.refs[i].refcount
		}
	}
	return s.overflow[b]
}

// privateRefInc bumps the session-local count, consuming the reserved slot
// for a first pin. A map entry found again is promoted into the array slot.
func (s *Session) privateRefInc(b Buffer) {
	for i := range s.refs {
		if s.refs[i].buffer == b {
			s.refs[i].refcount++
			return
		}
	}
	if n, ok := s.overflow[b]; ok {
		if s.reserved >= 0 {
			// 提升回数组，少走一次map
			s.refs[s.reserved] = privateRef{buffer: b, refcount: n + 1}
			s.reserved = -1
			delete(s.overflow, b)
		} else {
			s.overflow[b] = n + 1
		}
		return
	}
	if s.reserved < 0 {
		// callers must have reserved; fall back to the map rather than
		// corrupt state
		s.overflow[b] = 1
		return
	}
	s.refs[s.reserved] = privateRef{buffer: b, refcount: 1}
	s.reserved = -1
}

// privateRefDec drops the session-local count, returning the remainder.
func (s *Session) privateRefDec(b Buffer) int32 {
	for i := range s.refs {
		if s.refs[i].buffer == b {
			s.refs[i].refcount--
			n := s.refs[i].refcount
			if n == 0 {
				s.refs[i].buffer = InvalidBuffer
			}
			return n
		}
	}
	if n, ok := s.overflow[b]; ok {
		n--
		if n == 0 {
			delete(s.overflow, b)
		} else {
			s.overflow[b] = n
		}
		return n
	}
	logger.Errorf("session %d: unpin of buffer %d with no private ref", s.id, b)
	return 0
}

// trackedBuffers collects every buffer this session still has pinned.
func (s *Session) trackedBuffers() []Buffer {
	var out []Buffer
	for i := range s.refs {
		if s.refs[i].buffer != InvalidBuffer {
			out = append(out, s.refs[i].buffer)
		}
	}
	for b := range s.overflow {
		out = append(out, b)
	}
	return out
}

// CheckForBufferLeaks logs every pin still held. Called at transaction and
// session end; a non-empty result is a caller bug.
func (s *Session) CheckForBufferLeaks() int {
	leaked := 0
	for _, b := range s.trackedBuffers() {
		desc := &s.pool.descriptors[int(b)-1]
		logger.Warnf("buffer leak: session %d still holds %d pins on %s",
			s.id, s.privateRefGet(b), desc.tag.String())
		leaked++
	}
	return leaked
}

// ResourceOwner records in-flight buffer claims so an aborted operation can
// release them in bulk. Explicit replacement for unwind-driven cleanup.
type ResourceOwner struct {
	sess    *Session
	buffers []Buffer
}

// RememberBuffer records a pin.
func (o *ResourceOwner) RememberBuffer(b Buffer) {
	o.buffers = append(o.buffers, b)
}

// ForgetBuffer removes the most recent record of b.
func (o *ResourceOwner) ForgetBuffer(b Buffer) {
	for i := len(o.buffers) - 1; i >= 0; i-- {
		if o.buffers[i] == b {
			o.buffers = append(o.buffers[:i], o.buffers[i+1:]...)
			return
		}
	}
	logger.Errorf("resource owner: buffer %d is not remembered", b)
}

// Release aborts any in-progress I/O and unpins every remembered buffer.
// Safe to call multiple times.
func (o *ResourceOwner) Release() {
	o.sess.AbortBufferIO()
	o.sess.UnlockBuffers()
	for len(o.buffers) > 0 {
		b := o.buffers[len(o.buffers)-1]
		// ReleaseBuffer forgets the entry itself
		if err := o.sess.ReleaseBuffer(b); err != nil {
			o.buffers = o.buffers[:len(o.buffers)-1]
		}
	}
}
