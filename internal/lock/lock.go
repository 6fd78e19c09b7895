// Package lock provides advisory, non-blocking locks keyed by collection,
// conversation and operation, with expiry-based recovery of locks whose
// holder died without releasing them.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lazypower/strata/internal/apperr"
)

// Op is the kind of operation a lock guards.
type Op string

const (
	OpCompress   Op = "compress"
	OpSync       Op = "sync"
	OpDelete     Op = "delete"
	OpUnregister Op = "unregister"
)

// DefaultStaleAfter is how long a lock is honored without release.
const DefaultStaleAfter = 15 * time.Minute

// Key identifies the resource a lock guards.
type Key struct {
	Collection   string `json:"collection"`
	Conversation string `json:"conversation"`
	Op           Op     `json:"op"`
}

func (k Key) String() string {
	return k.Collection + "/" + k.Conversation + "/" + string(k.Op)
}

// Lock is a held lock. Token is what Release needs.
type Lock struct {
	Key        Key       `json:"key"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Manager is the lock registry. Acquire never blocks: a held lock yields
// apperr.ErrCompressionInProgress immediately.
type Manager interface {
	Acquire(key Key, holder string, staleAfter time.Duration) (Lock, error)
	Release(token string) error
	Status() []Lock
	CleanupStale() int
}

// Local is a process-local Manager backed by a mutex-guarded map. Process
// restart clears every lock.
type Local struct {
	mu      sync.Mutex
	byKey   map[Key]Lock
	byToken map[string]Key
	now     func() time.Time
	logger  logrus.FieldLogger

	// OnReclaim, if set, is called with the number of stale locks reclaimed.
	OnReclaim func(n int)
}

// NewLocal returns an empty registry.
func NewLocal(logger logrus.FieldLogger) *Local {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Local{
		byKey:   make(map[Key]Lock),
		byToken: make(map[string]Key),
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (l *Local) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire takes the lock for key or reports that it is busy. An expired
// entry for the same key is reclaimed silently.
func (l *Local) Acquire(key Key, holder string, staleAfter time.Duration) (Lock, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if existing, ok := l.byKey[key]; ok {
		if now.Before(existing.ExpiresAt) {
			return Lock{}, apperr.New(apperr.ErrCompressionInProgress,
				"%s held by %s since %s", key, existing.Holder, existing.AcquiredAt.Format(time.RFC3339))
		}
		l.logger.WithField("action", "lock_reclaim").
			WithField("key", key.String()).
			WithField("holder", existing.Holder).
			Warnf("reclaiming stale lock acquired at %s", existing.AcquiredAt.Format(time.RFC3339))
		l.drop(existing)
		l.reclaimed(1)
	}

	lk := Lock{
		Key:        key,
		Holder:     holder,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(staleAfter),
	}
	l.byKey[key] = lk
	l.byToken[lk.Token] = key
	return lk, nil
}

// Release drops the lock with token. A token whose lock was already
// reclaimed, or never existed, is ErrLockNotFound.
func (l *Local) Release(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.byToken[token]
	if !ok {
		return apperr.New(apperr.ErrLockNotFound, "token %s", token)
	}
	l.drop(l.byKey[key])
	return nil
}

// Status returns the active locks ordered by acquisition time. Expired
// entries awaiting reclaim are left out.
func (l *Local) Status() []Lock {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]Lock, 0, len(l.byKey))
	for _, lk := range l.byKey {
		if !now.Before(lk.ExpiresAt) {
			continue
		}
		out = append(out, lk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// CleanupStale reclaims every expired lock and returns how many it dropped.
func (l *Local) CleanupStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for _, lk := range l.byKey {
		if now.Before(lk.ExpiresAt) {
			continue
		}
		l.logger.WithField("action", "lock_cleanup").
			WithField("key", lk.Key.String()).
			WithField("holder", lk.Holder).
			Warn("reclaiming stale lock")
		l.drop(lk)
		n++
	}
	l.reclaimed(n)
	return n
}

// drop must be called with mu held.
func (l *Local) drop(lk Lock) {
	delete(l.byKey, lk.Key)
	delete(l.byToken, lk.Token)
}

func (l *Local) reclaimed(n int) {
	if n > 0 && l.OnReclaim != nil {
		l.OnReclaim(n)
	}
}
