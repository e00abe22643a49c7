// Package session implements MinerSession, the per-connection broker state
// shared by the ConnectionHandler, its reply-waiter and forwarder tasks, and
// the scheduler's job handlers. Mutation is serialized by the session's own
// mutex, following the same getter/setter shape the teacher uses for its
// proxy.Client, restructured around this broker's own field set (I1-I3).
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinerTx is the bounded sender half of a session's pool->miner channel,
// handed to PoolClient at construction time and stored by value on the
// session (a cloned sender handle, never a back-pointer) per DESIGN NOTES.
type MinerTx chan<- string

// Session is one downstream connection's broker state.
type Session struct {
	mu sync.Mutex

	id         string
	remoteAddr string

	authorized   bool
	subscribed   bool
	authorizedAt *time.Time

	workerName string
	poolAddr   string

	shareCount uint64
	difficulty uint64

	poolTx           chan<- string
	pendingSubscribe *string

	// minerTx is the sender half of this connection's pool->miner channel
	// (depth 12, created by the ConnectionHandler at accept time). It is
	// handed to PoolClient.Dial on successful authorize.
	minerTx chan<- string

	// lookupInProgress is the race-window mitigation DESIGN NOTES
	// recommends: set under the lock before the authorize HTTP call is
	// released, cleared after the subsequent re-lock (I2/I3 guard).
	lookupInProgress bool
}

// New creates a session with a fresh 128-bit random identifier. minerTx is
// the sender half of this connection's pool->miner channel, handed to
// PoolClient at authorize time.
func New(remoteAddr string, minerTx chan<- string) *Session {
	return &Session{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		minerTx:    minerTx,
	}
}

// MinerTx returns the sender half of this connection's pool->miner channel.
func (s *Session) MinerTx() chan<- string {
	return s.minerTx
}

// ID returns the session's stable identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the miner's remote host:port.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Authorized reports whether the session has completed authorize.
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

// Subscribed reports whether mining.subscribe has been sent to the pool.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// SetSubscribed flips the subscribed flag.
func (s *Session) SetSubscribed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = v
}

// WorkerName returns the authorized worker's sub-account name.
func (s *Session) WorkerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerName
}

// PoolAddr returns the bound pool address, empty if unauthorized.
func (s *Session) PoolAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolAddr
}

// PoolTx returns the pool-bound sender, or nil if no PoolClient exists yet
// (I2: non-nil iff authorized and pool creation succeeded).
func (s *Session) PoolTx() (chan<- string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolTx, s.poolTx != nil
}

// ShareCount returns the number of submits acknowledged for this session.
func (s *Session) ShareCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shareCount
}

// IncrementShareCount bumps the submit counter.
func (s *Session) IncrementShareCount() {
	s.mu.Lock()
	s.shareCount++
	s.mu.Unlock()
}

// Difficulty returns the session's current difficulty (unused for
// validation here; carried for parity with the wire protocol's
// set_difficulty notifications, which this broker forwards but does not
// interpret).
func (s *Session) Difficulty() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// SetDifficulty records the last difficulty observed from the pool.
func (s *Session) SetDifficulty(d uint64) {
	s.mu.Lock()
	s.difficulty = d
	s.mu.Unlock()
}

// TakePendingSubscribe returns and clears the single-slot pending subscribe
// buffer (I3: only ever non-nil while unauthorized).
func (s *Session) TakePendingSubscribe() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSubscribe == nil {
		return "", false
	}
	line := *s.pendingSubscribe
	s.pendingSubscribe = nil
	return line, true
}

// SetPendingSubscribe stores line as the pending subscribe, replacing any
// previous one — there is no queue, just a single slot.
func (s *Session) SetPendingSubscribe(line string) {
	s.mu.Lock()
	s.pendingSubscribe = &line
	s.mu.Unlock()
}

// BeginLookup marks an authorize lookup as in flight and reports whether one
// was already running (caller should treat a true return as "already
// authorizing", per the DESIGN NOTES race-window mitigation).
func (s *Session) BeginLookup() (alreadyInProgress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupInProgress {
		return true
	}
	s.lookupInProgress = true
	return false
}

// EndLookup clears the in-flight lookup flag.
func (s *Session) EndLookup() {
	s.mu.Lock()
	s.lookupInProgress = false
	s.mu.Unlock()
}

// AuthorizeResult is what the authorize handler applies to the session
// after a successful directory lookup and successful PoolClient dial.
type AuthorizeResult struct {
	PoolAddr   string
	WorkerName string
	PoolTx     chan<- string
}

// ApplyAuthorize commits a successful authorize under the session lock,
// flushing any pending subscribe onto the new pool sender and clearing the
// slot (I3). It does not send on any channel: it returns the flushed line,
// if any, and the caller sends it on the pool sender after the lock has
// been released.
func (s *Session) ApplyAuthorize(r AuthorizeResult) (flushed string, hadPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.authorizedAt = &now
	s.poolAddr = r.PoolAddr
	s.workerName = r.WorkerName
	s.authorized = true
	s.poolTx = r.PoolTx
	if s.pendingSubscribe != nil {
		flushed = *s.pendingSubscribe
		hadPending = true
		s.pendingSubscribe = nil
	}
	return flushed, hadPending
}

// AuthorizedAt returns the monotonic authorize time, if any.
func (s *Session) AuthorizedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorizedAt == nil {
		return time.Time{}, false
	}
	return *s.authorizedAt, true
}
