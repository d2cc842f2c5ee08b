package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Protocol-Lattice/chatproxy/pkg/cache"
	"github.com/Protocol-Lattice/chatproxy/pkg/models"
)

// ErrInvalidTurn is returned by Append for a turn with an unknown role or
// no parts.
var ErrInvalidTurn = errors.New("invalid turn")

// Options bound the store. Zero values keep every session forever.
type Options struct {
	MaxSessions int              // least recently used session is evicted above this
	IdleTTL     time.Duration    // sessions untouched for this long expire
	Logger      *slog.Logger
	Clock       func() time.Time // defaults to time.Now
}

// minJanitorInterval is the floor for the interval RunJanitor derives from
// the idle TTL.
const minJanitorInterval = time.Second

// Session is one conversation's ordered history. Append, Turns and Len are
// safe for concurrent use; a whole exchange is serialised with Store.Acquire.
type Session struct {
	ID      string
	Created time.Time

	mu    sync.RWMutex
	turns []models.Turn
}

// Append adds t to the end of the history.
func (s *Session) Append(t models.Turn) error {
	if !t.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidTurn, t.Role)
	}
	if len(t.Parts) == 0 {
		return fmt.Errorf("%w: no parts", ErrInvalidTurn)
	}
	t = t.Clone()
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
	return nil
}

// Turns returns a copy of the history in append order.
func (s *Session) Turns() []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Store maps session identifiers to sessions.
type Store struct {
	sessions *cache.LRUCache[*Session]
	logger   *slog.Logger
	idleTTL  time.Duration
	now      func() time.Time

	mu    sync.Mutex
	inUse map[string]*keyLock
}

// keyLock serialises exchanges for one id. It lives in the store rather than
// on the Session so it outlasts eviction and Delete.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	s := &Store{logger: logger, idleTTL: opts.IdleTTL, now: now, inUse: make(map[string]*keyLock)}
	s.sessions = cache.NewLRUCache[*Session](opts.MaxSessions, opts.IdleTTL,
		cache.WithSlidingExpiry[*Session](),
		cache.WithClock[*Session](now),
		cache.WithOnEvict(s.onEvict),
		cache.WithPinned(s.pinned),
	)
	return s
}

// Acquire takes the exchange lock for id and returns its session, creating
// it if needed. At most one caller per id holds the lock; the others wait.
// While held or awaited, the session is exempt from capacity and idle
// eviction. Delete still removes it, and the next Acquire for id then gets a
// fresh session. Calling release more than once is a no-op.
func (s *Store) Acquire(id string) (sess *Session, release func()) {
	s.mu.Lock()
	kl, ok := s.inUse[id]
	if !ok {
		kl = &keyLock{}
		s.inUse[id] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	sess = s.GetOrCreate(id)

	var once sync.Once
	return sess, func() {
		once.Do(func() {
			kl.mu.Unlock()
			s.mu.Lock()
			if kl.refs--; kl.refs == 0 {
				delete(s.inUse, id)
			}
			s.mu.Unlock()
		})
	}
}

// GetOrCreate returns the session for id, creating it on first reference.
// Concurrent first references observe the same Session.
func (s *Store) GetOrCreate(id string) *Session {
	sess, created := s.sessions.GetOrCreate(id, func() *Session {
		return &Session{ID: id, Created: s.now()}
	})
	if created {
		s.logger.Debug("session created", "session", id)
	}
	return sess
}

// Get returns the session for id if it is live.
func (s *Store) Get(id string) (*Session, bool) {
	return s.sessions.Get(id)
}

// Delete drops the session for id.
func (s *Store) Delete(id string) bool {
	return s.sessions.Delete(id)
}

// Len returns the number of stored sessions.
func (s *Store) Len() int { return s.sessions.Len() }

// IDs returns the stored session identifiers in lexical order.
func (s *Store) IDs() []string {
	ids := s.sessions.Keys()
	sort.Strings(ids)
	return ids
}

// Prune expires idle sessions now and reports how many went.
func (s *Store) Prune() int { return s.sessions.Prune() }

// RunJanitor prunes idle sessions every interval until ctx is done.
// It returns immediately when the store has no idle TTL.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = max(s.idleTTL/2, minJanitorInterval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				s.logger.Debug("idle sessions pruned", "count", n)
			}
		}
	}
}

func (s *Store) pinned(id string, _ *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[id] != nil
}

func (s *Store) onEvict(id string, sess *Session, reason cache.EvictReason) {
	if reason == cache.EvictedDeleted {
		s.logger.Info("session deleted", "session", id, "turns", sess.Len())
		return
	}
	s.logger.Info("session evicted", "session", id, "reason", reason.String(), "turns", sess.Len())
}
