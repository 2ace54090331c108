package proxy

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/mtford90/procsi/pkg/interceptor"
	"github.com/mtford90/procsi/pkg/store"
)

// exchange is the per-request state threaded from the request hook to the
// response hook via goproxy's UserData.
type exchange struct {
	id               string
	start            time.Time
	method           string
	host             string
	interceptedBy    string
	interceptionType string
	finished         bool
}

// onRequest authenticates the exchange, records the request half, and
// runs the interceptor dispatch. Returning a non-nil response
// short-circuits the upstream round trip.
func (p *Proxy) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	replayToken := req.Header.Get(HeaderReplayToken)
	replayFrom := req.Header.Get(HeaderReplayFrom)
	replayInitiator := req.Header.Get(HeaderReplayInitiator)
	replayID := req.Header.Get(HeaderReplayID)
	sessionID := req.Header.Get(HeaderSessionID)
	sessionToken := req.Header.Get(HeaderSessionToken)
	stripInternalHeaders(req.Header)

	record := &store.Request{}

	if replayToken != "" {
		// Replay traffic is daemon-originated; the process-local token
		// authenticates it instead of a session.
		if subtle.ConstantTimeCompare([]byte(replayToken), []byte(p.replayToken)) != 1 {
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
				http.StatusProxyAuthRequired, "invalid replay token\n")
		}
		record.ID = replayID
		record.ReplayedFromID = replayFrom
		record.ReplayInitiator = replayInitiator
	} else {
		sess, err := p.authenticate(sessionID, sessionToken)
		if err != nil {
			p.log.Warn("rejected proxied request", zap.String("url", req.URL.String()), zap.Error(err))
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
				http.StatusProxyAuthRequired, "proxy session authentication required\n")
		}
		if sess != nil {
			record.SessionID = sess.ID
			record.Source = sess.Source
		}
	}

	u := requestURL(req, ctx)
	record.Method = req.Method
	record.Host = u.Hostname()
	record.Path = u.Path
	record.URL = u.String()
	record.RequestHeaders = normalizeHeaders(req.Header)

	// Buffer the request body up to the cap; the full stream still flows
	// upstream.
	if req.Body != nil {
		capped, truncated, rest, err := readCapped(req.Body, p.cfg.BodyCap)
		if err != nil {
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
				http.StatusBadRequest, "failed to read request body\n")
		}
		record.RequestBody = capped
		record.RequestBodyTruncated = truncated
		req.Body = rest
	}

	stripHopHeaders(req.Header)

	id, err := p.store.SaveRequest(record)
	if err != nil {
		p.log.Error("failed to save request", zap.Error(err))
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
			http.StatusInternalServerError, "capture store unavailable\n")
	}

	ex := &exchange{
		id:     id,
		start:  time.Now(),
		method: record.Method,
		host:   record.Host,
	}
	ctx.UserData = ex
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RequestStart()
	}

	ireq := &interceptor.Request{
		ID:      id,
		Method:  record.Method,
		URL:     record.URL,
		Host:    record.Host,
		Path:    record.Path,
		Headers: record.RequestHeaders,
		Body:    record.RequestBody,
	}

	outcome := p.runtime.Dispatch(req.Context(), ireq, p.forwarder(req))

	switch outcome.Kind {
	case interceptor.KindPassthrough:
		return req, nil
	case interceptor.KindObserved:
		ex.interceptedBy = outcome.Name
		return req, nil
	case interceptor.KindMocked:
		ex.interceptedBy = outcome.Name
		ex.interceptionType = store.InterceptionMocked
		return req, buildResponse(req, outcome.Response)
	case interceptor.KindModified:
		ex.interceptedBy = outcome.Name
		ex.interceptionType = store.InterceptionModified
		return req, buildResponse(req, outcome.Response)
	case interceptor.KindHandlerTimeout:
		ex.interceptedBy = outcome.Name
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
			http.StatusGatewayTimeout, "interceptor handler timed out\n")
	default: // KindHandlerError
		ex.interceptedBy = outcome.Name
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText,
			http.StatusInternalServerError, "interceptor handler failed\n")
	}
}

// onResponse records the response half and lets the (possibly rebuilt)
// response flow downstream. save_request has already completed for this
// id, so the ordering guarantee holds.
func (p *Proxy) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	ex, ok := ctx.UserData.(*exchange)
	if !ok || ex.finished {
		// Rejected before the request was recorded, or already handled
		// (goproxy runs the response filters again after an error
		// substitution).
		return resp
	}
	ex.finished = true
	duration := time.Since(ex.start).Milliseconds()

	if resp == nil {
		// Upstream failure before any response.
		errMsg := "upstream request failed"
		if ctx.Error != nil {
			errMsg = ctx.Error.Error()
		}
		if err := p.store.UpdateResponse(ex.id, 0,
			map[string]string{HeaderError: "UpstreamError"},
			nil, false, duration, ex.interceptedBy, ex.interceptionType); err != nil {
			p.log.Error("failed to record upstream failure", zap.String("id", ex.id), zap.Error(err))
		}
		p.finishMetrics(ex, http.StatusBadGateway, 0)
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText,
			http.StatusBadGateway, "upstream error: "+errMsg+"\n")
	}

	stripHopHeaders(resp.Header)

	var (
		capped    []byte
		truncated bool
	)
	if resp.Body != nil {
		var rest io.ReadCloser
		var err error
		capped, truncated, rest, err = readCapped(resp.Body, p.cfg.BodyCap)
		if err != nil {
			p.log.Warn("failed to read response body", zap.String("id", ex.id), zap.Error(err))
		} else {
			resp.Body = rest
		}
	}

	if err := p.store.UpdateResponse(ex.id, resp.StatusCode,
		normalizeHeaders(resp.Header), capped, truncated,
		duration, ex.interceptedBy, ex.interceptionType); err != nil {
		p.log.Error("failed to record response", zap.String("id", ex.id), zap.Error(err))
	}

	p.finishMetrics(ex, resp.StatusCode, int64(len(capped)))
	return resp
}

func (p *Proxy) finishMetrics(ex *exchange, status int, size int64) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RequestEnd(ex.method, ex.host, status, time.Since(ex.start), size)
	}
}

// forwarder builds the upstream callback handed to interceptor handlers.
// The upstream response body is buffered up to the cap and the remainder
// drained so the peer is not held.
func (p *Proxy) forwarder(req *http.Request) interceptor.Forwarder {
	return func(ireq *interceptor.Request) (*interceptor.Response, error) {
		upReq, err := http.NewRequestWithContext(req.Context(), ireq.Method, ireq.URL, bytes.NewReader(ireq.Body))
		if err != nil {
			return nil, fmt.Errorf("failed to build upstream request: %w", err)
		}
		for k, v := range ireq.Headers {
			upReq.Header.Set(k, v)
		}
		stripHopHeaders(upReq.Header)

		resp, err := p.transport.RoundTrip(upReq)
		if err != nil {
			return nil, fmt.Errorf("upstream request failed: %w", err)
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		body, _, _, err := readCapped(resp.Body, p.cfg.BodyCap)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream body: %w", err)
		}

		stripHopHeaders(resp.Header)
		return &interceptor.Response{
			Status:  resp.StatusCode,
			Headers: normalizeHeaders(resp.Header),
			Body:    body,
		}, nil
	}
}

// buildResponse converts a handler-produced response into an
// *http.Response for the downstream client.
func buildResponse(req *http.Request, iresp *interceptor.Response) *http.Response {
	resp := &http.Response{
		StatusCode:    iresp.Status,
		Status:        fmt.Sprintf("%d %s", iresp.Status, http.StatusText(iresp.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header, len(iresp.Headers)),
		Body:          io.NopCloser(bytes.NewReader(iresp.Body)),
		ContentLength: int64(len(iresp.Body)),
	}
	for k, v := range iresp.Headers {
		resp.Header.Set(k, v)
	}
	return resp
}

// requestURL reconstructs the absolute URL of a proxied request. MITM'd
// requests may arrive with a relative URL.
func requestURL(req *http.Request, _ *goproxy.ProxyCtx) *url.URL {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		if req.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return &u
}

// normalizeHeaders lowercases header names and keeps the first value,
// matching the stored header map shape.
func normalizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func stripInternalHeaders(h http.Header) {
	for _, name := range []string{
		HeaderSessionID, HeaderSessionToken,
		HeaderReplayToken, HeaderReplayFrom, HeaderReplayInitiator, HeaderReplayID,
	} {
		h.Del(name)
	}
}

// readCapped reads up to limit bytes for storage while preserving the
// full stream for the wire. The returned reader replays everything that
// was consumed followed by the unread remainder.
func readCapped(rc io.ReadCloser, limit int64) (data []byte, truncated bool, rest io.ReadCloser, err error) {
	buf := &bytes.Buffer{}
	n, err := io.CopyN(buf, rc, limit+1)
	if err != nil && err != io.EOF {
		return nil, false, nil, err
	}

	all := buf.Bytes()
	if n > limit {
		truncated = true
		data = all[:limit]
	} else {
		data = all
	}

	rest = &replayReader{
		Reader: io.MultiReader(bytes.NewReader(all), rc),
		closer: rc,
	}
	return data, truncated, rest, nil
}

type replayReader struct {
	io.Reader
	closer io.Closer
}

func (r *replayReader) Close() error {
	return r.closer.Close()
}
