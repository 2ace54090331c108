package store

import (
	"fmt"
)

// ListSummaries returns body-less projections matching the filter,
// newest first.
func (s *Store) ListSummaries(f *Filter, limit, offset int) ([]Summary, error) {
	requests, err := s.list(f, limit, offset)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, len(requests))
	for i, r := range requests {
		summaries[i] = r.summary()
	}
	return summaries, nil
}

// List returns full rows matching the filter, newest first.
func (s *Store) List(f *Filter, limit, offset int) ([]*Request, error) {
	return s.list(f, limit, offset)
}

// Count returns the number of rows matching the filter.
func (s *Store) Count(f *Filter) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if f == nil {
		f = &Filter{}
	}

	where, args, err := f.whereSQL()
	if err != nil {
		return 0, err
	}

	if !f.needsScan() {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM requests`+where, args...).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count requests: %w", err)
		}
		return count, nil
	}

	requests, err := s.scanFiltered(where, args, f)
	if err != nil {
		return 0, err
	}
	return len(requests), nil
}

func (s *Store) list(f *Filter, limit, offset int) ([]*Request, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if f == nil {
		f = &Filter{}
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where, args, err := f.whereSQL()
	if err != nil {
		return nil, err
	}

	// With Go-evaluated predicates present, pagination happens after the
	// scan so filter composition stays consistent with Count.
	if f.needsScan() {
		requests, err := s.scanFiltered(where, args, f)
		if err != nil {
			return nil, err
		}
		if offset >= len(requests) {
			return nil, nil
		}
		requests = requests[offset:]
		if len(requests) > limit {
			requests = requests[:limit]
		}
		return requests, nil
	}

	query := `SELECT ` + requestColumns + ` FROM requests` + where + ` ORDER BY timestamp DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// scanFiltered runs the SQL-expressible filter and applies the remaining
// predicates row by row.
func (s *Store) scanFiltered(where string, args []any, f *Filter) ([]*Request, error) {
	predicate, err := f.scanPredicate()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + requestColumns + ` FROM requests` + where + ` ORDER BY timestamp DESC, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		if predicate(r) {
			requests = append(requests, r)
		}
	}
	return requests, rows.Err()
}
