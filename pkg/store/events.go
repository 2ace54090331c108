package store

import (
	"fmt"
	"time"
)

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event types emitted by the interceptor runtime and the proxy.
const (
	EventMatched              = "matched"
	EventMocked               = "mocked"
	EventModified             = "modified"
	EventObserved             = "observed"
	EventLoaded               = "loaded"
	EventReload               = "reload"
	EventUserLog              = "user_log"
	EventMatchTimeout         = "match_timeout"
	EventInvalidResponse      = "invalid_response"
	EventForwardAfterComplete = "forward_after_complete"
	EventMatchError           = "match_error"
	EventHandlerError         = "handler_error"
	EventHandlerTimeout       = "handler_timeout"
	EventLoadError            = "load_error"
)

// Event is one entry of the bounded interceptor event log.
type Event struct {
	Seq           int64  `json:"seq"`
	Timestamp     int64  `json:"timestamp"`
	Type          string `json:"type"`
	Level         string `json:"level"`
	Interceptor   string `json:"interceptor,omitempty"`
	Message       string `json:"message,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	RequestMethod string `json:"requestMethod,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AppendEvent appends an event and returns its sequence number. The ring
// is trimmed to the configured capacity: the oldest entries are dropped.
func (s *Store) AppendEvent(e *Event) (int64, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO interceptor_events (timestamp, type, level, interceptor, message, request_id, request_url, request_method, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Type, e.Level, e.Interceptor, e.Message, e.RequestID, e.RequestURL, e.RequestMethod, e.Error,
	)
	if err != nil {
		if s.metrics != nil {
			s.metrics.StoreError()
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.Seq = seq

	_, err = s.db.Exec(
		`DELETE FROM interceptor_events WHERE seq <= ?`,
		seq-int64(s.eventCap),
	)
	if err != nil {
		return seq, fmt.Errorf("failed to trim events: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventAppended()
	}
	return seq, nil
}

// ListEvents returns events with seq greater than afterSeq, oldest first,
// optionally filtered by level and interceptor name.
func (s *Store) ListEvents(afterSeq int64, limit int, level, interceptor string) ([]Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT seq, timestamp, type, level, interceptor, message, request_id, request_url, request_method, error
		FROM interceptor_events WHERE seq > ?`
	args := []any{afterSeq}

	if level != "" {
		query += ` AND level = ?`
		args = append(args, level)
	}
	if interceptor != "" {
		query += ` AND interceptor = ?`
		args = append(args, interceptor)
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Type, &e.Level, &e.Interceptor, &e.Message, &e.RequestID, &e.RequestURL, &e.RequestMethod, &e.Error); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ClearEvents removes all events. Sequence numbers keep increasing.
func (s *Store) ClearEvents() error {
	_, err := s.exec(`DELETE FROM interceptor_events`)
	if err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}
