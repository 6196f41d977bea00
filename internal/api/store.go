package api

import (
	"sort"
	"sync"
	"time"

	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/logger"
	"github.com/samcharles93/slim/internal/observer"
)

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*calib.Session
	log      logger.Logger
}

func NewSessionStore(log logger.Logger) *SessionStore {
	if log == nil {
		log = logger.Discard()
	}
	return &SessionStore{
		sessions: make(map[string]*calib.Session),
		log:      log,
	}
}

func (s *SessionStore) Create(format fp8.Format, now time.Time) *calib.Session {
	factory := observer.NewFactory(observer.Config{Format: format, Logger: s.log})
	sess := calib.NewSession(factory, s.log, now)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

func (s *SessionStore) Get(id string) (*calib.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// IDs returns the stored session ids, oldest first.
func (s *SessionStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*calib.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	ids := make([]string, len(all))
	for i, sess := range all {
		ids[i] = sess.ID
	}
	return ids
}
