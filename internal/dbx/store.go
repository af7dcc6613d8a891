package dbx

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/telemetry"
)

// Store is one database file. Sessions obtained from it share the manager's
// write lock.
type Store struct {
	m      *Manager
	path   string
	db     *sql.DB
	refs   int
	logger logging.Logger

	sessions sync.Pool

	statsMu sync.Mutex
	stats   map[string]*Stat
}

// Stat aggregates the statements recorded under one tag.
type Stat struct {
	Count int64
	Total time.Duration
}

func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Session returns a pooled session. Callers must Close it.
func (s *Store) Session() *Session {
	if v, ok := s.sessions.Get().(*Session); ok {
		v.closed = false
		return v
	}
	return &Session{store: s}
}

// Close drops one reference; the database is closed with the last one.
func (s *Store) Close() error {
	s.m.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last {
		s.m.forget(s)
	}
	s.m.mu.Unlock()

	if !last {
		return nil
	}
	return s.db.Close()
}

// Stats returns a copy of the per-tag statement timings.
func (s *Store) Stats() map[string]Stat {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	out := make(map[string]Stat, len(s.stats))
	for tag, st := range s.stats {
		out[tag] = *st
	}
	return out
}

func (s *Store) observe(ctx context.Context, query string, start time.Time) {
	if !s.m.stats {
		return
	}
	elapsed := time.Since(start)
	tag := tagOf(ctx, query)

	s.statsMu.Lock()
	st, ok := s.stats[tag]
	if !ok {
		st = &Stat{}
		s.stats[tag] = st
	}
	st.Count++
	st.Total += elapsed
	s.statsMu.Unlock()

	telemetry.StatementSeconds.WithLabelValues(tag).Observe(elapsed.Seconds())
}

type tagKey struct{}

// WithTag labels the statements run with ctx in the store statistics.
func WithTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tagKey{}, tag)
}

func tagOf(ctx context.Context, query string) string {
	if tag, ok := ctx.Value(tagKey{}).(string); ok && tag != "" {
		return tag
	}
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
