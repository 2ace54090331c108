// Package store persists sessions, captured requests, and interceptor
// events in an embedded SQLite database. Writes are serialized behind a
// single writer lock; reads run concurrently against the WAL.
package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cryptorand "crypto/rand"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mtford90/procsi/pkg/contenttype"
)

// Sentinel errors surfaced by the store.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Interception kinds recorded on captured requests.
const (
	InterceptionMocked   = "mocked"
	InterceptionModified = "modified"
)

// Metrics receives store observations. All methods must be cheap.
type Metrics interface {
	StoreWrite()
	StoreError()
	EventAppended()
}

// Session is one shell-scoped capture session.
type Session struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Source    string `json:"source,omitempty"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"startedAt"`
	Token     string `json:"token,omitempty"`
}

// Request is one captured HTTP transaction.
type Request struct {
	ID                    string            `json:"id"`
	SessionID             string            `json:"sessionId,omitempty"`
	Timestamp             int64             `json:"timestamp"`
	Method                string            `json:"method"`
	Host                  string            `json:"host"`
	Path                  string            `json:"path"`
	URL                   string            `json:"url"`
	RequestHeaders        map[string]string `json:"requestHeaders,omitempty"`
	RequestBody           []byte            `json:"requestBody,omitempty"`
	RequestBodyTruncated  bool              `json:"requestBodyTruncated,omitempty"`
	ResponseStatus        *int              `json:"responseStatus,omitempty"`
	ResponseHeaders       map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody          []byte            `json:"responseBody,omitempty"`
	ResponseBodyTruncated bool              `json:"responseBodyTruncated,omitempty"`
	RequestContentType    string            `json:"requestContentType,omitempty"`
	ResponseContentType   string            `json:"responseContentType,omitempty"`
	DurationMS            *int64            `json:"durationMs,omitempty"`
	InterceptedBy         string            `json:"interceptedBy,omitempty"`
	InterceptionType      string            `json:"interceptionType,omitempty"`
	ReplayedFromID        string            `json:"replayedFromId,omitempty"`
	ReplayInitiator       string            `json:"replayInitiator,omitempty"`
	Saved                 bool              `json:"saved"`
	Source                string            `json:"source,omitempty"`
}

// Summary is the body-less projection returned by listings.
type Summary struct {
	ID                  string `json:"id"`
	SessionID           string `json:"sessionId,omitempty"`
	Timestamp           int64  `json:"timestamp"`
	Method              string `json:"method"`
	Host                string `json:"host"`
	Path                string `json:"path"`
	URL                 string `json:"url"`
	ResponseStatus      *int   `json:"responseStatus,omitempty"`
	DurationMS          *int64 `json:"durationMs,omitempty"`
	RequestContentType  string `json:"requestContentType,omitempty"`
	ResponseContentType string `json:"responseContentType,omitempty"`
	InterceptedBy       string `json:"interceptedBy,omitempty"`
	InterceptionType    string `json:"interceptionType,omitempty"`
	ReplayedFromID      string `json:"replayedFromId,omitempty"`
	Saved               bool   `json:"saved"`
	Source              string `json:"source,omitempty"`
}

// Options configures Open.
type Options struct {
	// EventLogCapacity bounds the interceptor event ring log.
	EventLogCapacity int
	// Logger for warnings. Defaults to zap.NewNop.
	Logger *zap.Logger
	// Metrics for observability (optional).
	Metrics Metrics
}

// Store is the SQLite-backed request store.
type Store struct {
	db       *sql.DB
	log      *zap.Logger
	eventCap int
	metrics  Metrics

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Open opens (creating if needed) the store at path and runs migrations.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eventCap := opts.EventLogCapacity
	if eventCap <= 0 {
		eventCap = 5_000
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The writer lock serializes mutations; a small pool lets reads run
	// concurrently against the WAL.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		db:       db,
		log:      logger,
		eventCap: eventCap,
		metrics:  opts.Metrics,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// exec runs a mutation under the writer lock, retrying once on transient
// lock contention.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(query, args...)
	if isBusy(err) {
		time.Sleep(10 * time.Millisecond)
		res, err = s.db.Exec(query, args...)
	}
	if err != nil && s.metrics != nil {
		s.metrics.StoreError()
	}
	return res, err
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// RegisterSession creates a new session with a fresh id and secret token.
func (s *Store) RegisterSession(label string, pid int, source string) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Label:     label,
		Source:    source,
		PID:       pid,
		StartedAt: time.Now().UnixMilli(),
		Token:     token,
	}

	_, err = s.exec(
		`INSERT INTO sessions (id, label, source, pid, started_at, token) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Label, sess.Source, sess.PID, sess.StartedAt, sess.Token,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.StoreWrite()
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sess := &Session{}
	err := s.db.QueryRow(
		`SELECT id, label, source, pid, started_at, token FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Label, &sess.Source, &sess.PID, &sess.StartedAt, &sess.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]*Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`SELECT id, label, source, pid, started_at, token FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.Label, &sess.Source, &sess.PID, &sess.StartedAt, &sess.Token); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveRequest inserts a captured request with empty response columns and
// returns its id. An id already present on the request is kept (the
// replayer pre-allocates ids for correlation).
func (s *Store) SaveRequest(r *Request) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	r.RequestContentType = contenttype.Normalize(r.RequestHeaders["content-type"])

	headers, err := marshalHeaders(r.RequestHeaders)
	if err != nil {
		return "", err
	}

	_, err = s.exec(
		`INSERT INTO requests (
			id, session_id, timestamp, method, host, path, url,
			request_headers, request_body, request_body_truncated,
			request_content_type, replayed_from_id, replay_initiator, saved, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		r.ID, r.SessionID, r.Timestamp, r.Method, r.Host, r.Path, r.URL,
		headers, r.RequestBody, boolInt(r.RequestBodyTruncated),
		r.RequestContentType, r.ReplayedFromID, r.ReplayInitiator, r.Source,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save request: %w", err)
	}

	if s.metrics != nil {
		s.metrics.StoreWrite()
	}
	return r.ID, nil
}

// UpdateResponse fills the response columns for id. A second update for
// the same id is a no-op and logs a warning.
func (s *Store) UpdateResponse(id string, status int, headers map[string]string, body []byte, truncated bool, durationMS int64, interceptedBy, interceptionType string) error {
	headerJSON, err := marshalHeaders(headers)
	if err != nil {
		return err
	}
	contentType := contenttype.Normalize(headers["content-type"])

	res, err := s.exec(
		`UPDATE requests SET
			response_status = ?, response_headers = ?, response_body = ?,
			response_body_truncated = ?, response_content_type = ?,
			duration_ms = ?, intercepted_by = ?, interception_type = ?
		WHERE id = ? AND response_status IS NULL`,
		status, headerJSON, body, boolInt(truncated), contentType,
		durationMS, interceptedBy, interceptionType, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update response: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("update response %s: %w", id, ErrNotFound)
		}
		s.log.Warn("ignoring duplicate response update", zap.String("id", id))
		return nil
	}

	if s.metrics != nil {
		s.metrics.StoreWrite()
	}
	return nil
}

// Get returns the full row for id.
func (s *Store) Get(id string) (*Request, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

// Clear removes all non-saved rows and returns how many were deleted.
func (s *Store) Clear() (int64, error) {
	res, err := s.exec(`DELETE FROM requests WHERE saved = 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear requests: %w", err)
	}
	return res.RowsAffected()
}

// SetSaved toggles the saved flag for id.
func (s *Store) SetSaved(id string, saved bool) error {
	res, err := s.exec(`UPDATE requests SET saved = ? WHERE id = ?`, boolInt(saved), id)
	if err != nil {
		return fmt.Errorf("failed to update saved flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a single row.
func (s *Store) Delete(id string) error {
	res, err := s.exec(`DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Trim drops the oldest non-saved rows in excess of max, then removes
// stale sessions that no longer own any requests.
func (s *Store) Trim(max int) (int64, error) {
	res, err := s.exec(
		`DELETE FROM requests WHERE saved = 0 AND id IN (
			SELECT id FROM requests WHERE saved = 0
			ORDER BY timestamp DESC LIMIT -1 OFFSET ?
		)`, max,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to trim requests: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	_, err = s.exec(
		`DELETE FROM sessions WHERE started_at < ?
			AND id NOT IN (SELECT DISTINCT session_id FROM requests WHERE session_id != '')`,
		cutoff,
	)
	if err != nil {
		return deleted, fmt.Errorf("failed to trim sessions: %w", err)
	}

	return deleted, nil
}

func marshalHeaders(h map[string]string) (string, error) {
	if h == nil {
		h = map[string]string{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal headers: %w", err)
	}
	return string(data), nil
}

func unmarshalHeaders(data string) map[string]string {
	if data == "" {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil
	}
	return h
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
