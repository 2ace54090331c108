package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Header match targets.
const (
	TargetRequest  = "request"
	TargetResponse = "response"
	TargetBoth     = "both"
)

// ErrBadPattern marks regex filters that are rejected before compilation.
var ErrBadPattern = errors.New("rejected regex pattern")

// Filter selects captured requests. Zero values mean "no constraint".
type Filter struct {
	// Methods matches any of the given methods (uppercased).
	Methods []string `json:"methods,omitempty"`
	// StatusRange is an exact status ("404"), a bucket ("4xx"), or an
	// inclusive range ("200-299").
	StatusRange string `json:"status_range,omitempty"`
	// Search is a case-insensitive substring over the URL.
	Search string `json:"search,omitempty"`
	// Regex matches the URL. Catastrophically back-trackable patterns are
	// rejected.
	Regex      string `json:"regex,omitempty"`
	RegexFlags string `json:"regex_flags,omitempty"`
	// Host is exact, or a suffix match when starting with ".".
	Host string `json:"host,omitempty"`
	// PathPrefix is a literal prefix on the path.
	PathPrefix string `json:"path_prefix,omitempty"`
	// Since is a closed lower bound, Before an open upper bound, both in
	// epoch milliseconds.
	Since  int64 `json:"since,omitempty"`
	Before int64 `json:"before,omitempty"`
	// HeaderName/HeaderValue match structurally over the header maps of
	// HeaderTarget ("request", "response", or "both").
	HeaderName   string `json:"header_name,omitempty"`
	HeaderValue  string `json:"header_value,omitempty"`
	HeaderTarget string `json:"header_target,omitempty"`
	// InterceptedBy is exact on the interceptor name.
	InterceptedBy string `json:"intercepted_by,omitempty"`
	Saved         *bool  `json:"saved,omitempty"`
	Source        string `json:"source,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

const requestColumns = `id, session_id, timestamp, method, host, path, url,
	request_headers, request_body, request_body_truncated,
	response_status, response_headers, response_body, response_body_truncated,
	request_content_type, response_content_type, duration_ms,
	intercepted_by, interception_type, replayed_from_id, replay_initiator, saved, source`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	var (
		reqHeaders   string
		respHeaders  sql.NullString
		respStatus   sql.NullInt64
		durationMS   sql.NullInt64
		reqTruncated int
		resTruncated int
		saved        int
	)

	err := row.Scan(
		&r.ID, &r.SessionID, &r.Timestamp, &r.Method, &r.Host, &r.Path, &r.URL,
		&reqHeaders, &r.RequestBody, &reqTruncated,
		&respStatus, &respHeaders, &r.ResponseBody, &resTruncated,
		&r.RequestContentType, &r.ResponseContentType, &durationMS,
		&r.InterceptedBy, &r.InterceptionType, &r.ReplayedFromID, &r.ReplayInitiator, &saved, &r.Source,
	)
	if err != nil {
		return nil, err
	}

	r.RequestHeaders = unmarshalHeaders(reqHeaders)
	if respHeaders.Valid {
		r.ResponseHeaders = unmarshalHeaders(respHeaders.String)
	}
	if respStatus.Valid {
		status := int(respStatus.Int64)
		r.ResponseStatus = &status
	}
	if durationMS.Valid {
		d := durationMS.Int64
		r.DurationMS = &d
	}
	r.RequestBodyTruncated = reqTruncated != 0
	r.ResponseBodyTruncated = resTruncated != 0
	r.Saved = saved != 0
	return r, nil
}

func (r *Request) summary() Summary {
	return Summary{
		ID:                  r.ID,
		SessionID:           r.SessionID,
		Timestamp:           r.Timestamp,
		Method:              r.Method,
		Host:                r.Host,
		Path:                r.Path,
		URL:                 r.URL,
		ResponseStatus:      r.ResponseStatus,
		DurationMS:          r.DurationMS,
		RequestContentType:  r.RequestContentType,
		ResponseContentType: r.ResponseContentType,
		InterceptedBy:       r.InterceptedBy,
		InterceptionType:    r.InterceptionType,
		ReplayedFromID:      r.ReplayedFromID,
		Saved:               r.Saved,
		Source:              r.Source,
	}
}

// whereSQL renders the SQL-expressible part of the filter.
func (f *Filter) whereSQL() (string, []any, error) {
	if f == nil {
		return "", nil, nil
	}

	var clauses []string
	var args []any

	if len(f.Methods) > 0 {
		placeholders := make([]string, len(f.Methods))
		for i, m := range f.Methods {
			placeholders[i] = "?"
			args = append(args, strings.ToUpper(m))
		}
		clauses = append(clauses, fmt.Sprintf("method IN (%s)", strings.Join(placeholders, ", ")))
	}

	if f.StatusRange != "" {
		lo, hi, err := parseStatusRange(f.StatusRange)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "response_status BETWEEN ? AND ?")
		args = append(args, lo, hi)
	}

	if f.Search != "" {
		clauses = append(clauses, `url LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}

	if f.Host != "" {
		if strings.HasPrefix(f.Host, ".") {
			clauses = append(clauses, `host LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(f.Host))
		} else {
			clauses = append(clauses, "host = ?")
			args = append(args, f.Host)
		}
	}

	if f.PathPrefix != "" {
		clauses = append(clauses, `path LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.PathPrefix)+"%")
	}

	if f.Since > 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Before > 0 {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.Before)
	}

	if f.InterceptedBy != "" {
		clauses = append(clauses, "intercepted_by = ?")
		args = append(args, f.InterceptedBy)
	}
	if f.Saved != nil {
		clauses = append(clauses, "saved = ?")
		args = append(args, boolInt(*f.Saved))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// needsScan reports whether part of the filter must be evaluated in Go.
func (f *Filter) needsScan() bool {
	return f != nil && (f.Regex != "" || f.HeaderName != "")
}

// scanPredicate compiles the Go-evaluated part of the filter.
func (f *Filter) scanPredicate() (func(*Request) bool, error) {
	var re *regexp.Regexp
	if f.Regex != "" {
		var err error
		re, err = compilePattern(f.Regex, f.RegexFlags)
		if err != nil {
			return nil, err
		}
	}

	return func(r *Request) bool {
		if re != nil && !re.MatchString(r.URL) {
			return false
		}
		if f.HeaderName != "" && !matchHeader(r, f.HeaderName, f.HeaderValue, f.HeaderTarget) {
			return false
		}
		return true
	}, nil
}

func matchHeader(r *Request, name, value, target string) bool {
	name = strings.ToLower(name)
	check := func(h map[string]string) bool {
		v, ok := h[name]
		if !ok {
			return false
		}
		return value == "" || v == value
	}

	switch target {
	case TargetRequest:
		return check(r.RequestHeaders)
	case TargetResponse:
		return check(r.ResponseHeaders)
	default:
		return check(r.RequestHeaders) || check(r.ResponseHeaders)
	}
}

// parseStatusRange accepts "404", "4xx", or "200-299".
func parseStatusRange(s string) (int, int, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	if len(s) == 3 && strings.HasSuffix(s, "xx") {
		n := int(s[0] - '0')
		if n < 1 || n > 5 {
			return 0, 0, fmt.Errorf("invalid status bucket %q", s)
		}
		return n * 100, n*100 + 99, nil
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || l > h {
			return 0, 0, fmt.Errorf("invalid status range %q", s)
		}
		return l, h, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid status %q", s)
	}
	return n, n, nil
}

// compilePattern validates and compiles a URL regex. Patterns with a
// quantifier nested inside a quantified group are rejected up front: the
// contract protects clients written against engines where such patterns
// backtrack catastrophically.
func compilePattern(pattern, flags string) (*regexp.Regexp, error) {
	if len(pattern) > 1000 {
		return nil, fmt.Errorf("%w: pattern too long", ErrBadPattern)
	}
	if hasNestedQuantifier(pattern) {
		return nil, fmt.Errorf("%w: nested quantifiers", ErrBadPattern)
	}

	var prefix string
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix += string(f)
		default:
			return nil, fmt.Errorf("%w: unsupported flag %q", ErrBadPattern, f)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return re, nil
}

// hasNestedQuantifier detects a quantifier applied to a group that itself
// contains an unescaped quantifier, e.g. (a+)+ or (a*b){2,}.
func hasNestedQuantifier(pattern string) bool {
	type group struct{ quantified bool }
	var stack []group
	escaped := false

	isQuantifier := func(c byte) bool {
		return c == '*' || c == '+' || c == '?' || c == '{'
	}

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '(':
			stack = append(stack, group{})
		case ')':
			if len(stack) == 0 {
				continue
			}
			inner := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			quantifiedGroup := i+1 < len(pattern) && isQuantifier(pattern[i+1])
			if quantifiedGroup && inner.quantified {
				return true
			}
			// Propagate: a quantified group inside an outer group counts
			// as a quantifier within the outer group.
			if len(stack) > 0 && (inner.quantified || quantifiedGroup) {
				stack[len(stack)-1].quantified = true
			}
		default:
			if isQuantifier(c) && len(stack) > 0 {
				stack[len(stack)-1].quantified = true
			}
		}
	}
	return false
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
