package webform

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/metrics"
	"github.com/dj-oyu/vehicle-counter/web-form/internal/uploadform"
)

const sessionCookie = "vc_session"

type session struct {
	form     *uploadform.Form
	lastSeen time.Time
}

// sessionStore gives every browser its own form, keyed by a cookie.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	newForm  func() *uploadform.Form
	ttl      time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	scheduler gocron.Scheduler
}

func newSessionStore(ttl time.Duration, m *metrics.Metrics, newForm func() *uploadform.Form) *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session),
		newForm:  newForm,
		ttl:      ttl,
		metrics:  m,
		now:      time.Now,
	}
}

// formFor returns the caller's form, creating a session when the cookie is
// missing or refers to an expired session.
func (s *sessionStore) formFor(w http.ResponseWriter, r *http.Request) *uploadform.Form {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if form, ok := s.lookup(c.Value); ok {
			return form
		}
	}

	id := uuid.NewString()
	form := s.newForm()

	s.mu.Lock()
	s.sessions[id] = &session{form: form, lastSeen: s.now()}
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(1)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	logger.Debug("Sessions", "New session %s", id)
	return form
}

// lookup finds a live session without creating one.
func (s *sessionStore) lookup(id string) (*uploadform.Form, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.form, true
}

func (s *sessionStore) fromRequest(r *http.Request) (*uploadform.Form, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	return s.lookup(c.Value)
}

// sweep closes sessions idle for longer than the TTL. Sessions with a
// submission in flight are kept until it completes.
func (s *sessionStore) sweep() int {
	cutoff := s.now().Add(-s.ttl)

	var expired []*uploadform.Form
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastSeen.After(cutoff) || sess.form.Busy() {
			continue
		}
		expired = append(expired, sess.form)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, form := range expired {
		form.Close()
	}
	if n := len(expired); n > 0 {
		s.metrics.ActiveSessions.Add(int64(-n))
		s.metrics.ExpiredSessions.Add(uint64(n))
		logger.Info("Sessions", "Expired %d idle session(s)", n)
	}
	return len(expired)
}

func (s *sessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// startSweeper schedules sweep every interval, followed by afterSweep if set.
func (s *sessionStore) startSweeper(interval time.Duration, afterSweep func()) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			s.sweep()
			if afterSweep != nil {
				afterSweep()
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	sched.Start()
	s.scheduler = sched
	return nil
}

// close stops the sweeper and releases every session.
func (s *sessionStore) close() {
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			logger.Warn("Sessions", "Scheduler shutdown: %v", err)
		}
	}

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.form.Close()
	}
	s.metrics.ActiveSessions.Add(int64(-len(sessions)))
}
