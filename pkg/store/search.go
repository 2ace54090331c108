package store

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mtford90/procsi/pkg/contenttype"
)

// SearchBodies performs a case-insensitive substring search over request
// and/or response body bytes. Bodies with non-text content types are
// skipped.
func (s *Store) SearchBodies(query, target string, f *Filter, limit, offset int) ([]Summary, error) {
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	needle := bytes.ToLower([]byte(query))
	match := func(r *Request) bool {
		if targetsRequest(target) &&
			contenttype.IsText(r.RequestContentType) &&
			bytes.Contains(bytes.ToLower(r.RequestBody), needle) {
			return true
		}
		if targetsResponse(target) &&
			contenttype.IsText(r.ResponseContentType) &&
			bytes.Contains(bytes.ToLower(r.ResponseBody), needle) {
			return true
		}
		return false
	}

	return s.searchScan(f, match, limit, offset)
}

// QueryJSONBodies evaluates a dotted/bracket JSON path over bodies whose
// content type is JSON. With a non-empty value only rows where the path
// resolves to that value match; otherwise existence of the path matches.
func (s *Store) QueryJSONBodies(path, value, target string, f *Filter) ([]Summary, error) {
	if path == "" {
		return nil, fmt.Errorf("empty JSON path")
	}
	gpath := normalizeJSONPath(path)

	check := func(body []byte, ct string) bool {
		if len(body) == 0 || !contenttype.IsJSON(ct) {
			return false
		}
		result := gjson.GetBytes(body, gpath)
		if !result.Exists() {
			return false
		}
		return value == "" || result.String() == value
	}

	match := func(r *Request) bool {
		if targetsRequest(target) && check(r.RequestBody, r.RequestContentType) {
			return true
		}
		if targetsResponse(target) && check(r.ResponseBody, r.ResponseContentType) {
			return true
		}
		return false
	}

	return s.searchScan(f, match, 0, 0)
}

// searchScan walks rows matching the filter and keeps those the body
// predicate accepts. A limit of 0 returns everything.
func (s *Store) searchScan(f *Filter, match func(*Request) bool, limit, offset int) ([]Summary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if f == nil {
		f = &Filter{}
	}

	where, args, err := f.whereSQL()
	if err != nil {
		return nil, err
	}
	predicate, err := f.scanPredicate()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + requestColumns + ` FROM requests` + where + ` ORDER BY timestamp DESC, id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search requests: %w", err)
	}
	defer rows.Close()

	var results []Summary
	skipped := 0
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		if !predicate(r) || !match(r) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		results = append(results, r.summary())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

func targetsRequest(target string) bool {
	return target == TargetRequest || target == TargetBoth || target == ""
}

func targetsResponse(target string) bool {
	return target == TargetResponse || target == TargetBoth || target == ""
}

// normalizeJSONPath converts bracket segments ("items[0].name",
// `obj["key"]`) into the dotted form the evaluator expects.
func normalizeJSONPath(path string) string {
	var b strings.Builder
	i := 0
	for i < len(path) {
		c := path[i]
		if c != '[' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(path[i:], ']')
		if end == -1 {
			b.WriteString(path[i:])
			break
		}
		segment := path[i+1 : i+end]
		segment = strings.Trim(segment, `"'`)
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(segment)
		i += end + 1
	}
	return strings.TrimPrefix(b.String(), ".")
}
