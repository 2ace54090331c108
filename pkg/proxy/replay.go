package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Replay re-executes the stored request id and returns the id of the new
// capture. The request routes through the proxy itself so the resulting
// exchange is captured like any other; the new record carries
// replayedFromId and the initiator.
func (p *Proxy) Replay(ctx context.Context, id, initiator string) (string, error) {
	orig, err := p.store.Get(id)
	if err != nil {
		return "", err
	}

	newID := uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, orig.Method, orig.URL, bytes.NewReader(orig.RequestBody))
	if err != nil {
		return "", fmt.Errorf("failed to build replay request: %w", err)
	}
	for k, v := range orig.RequestHeaders {
		req.Header.Set(k, v)
	}
	stripHopHeaders(req.Header)
	stripInternalHeaders(req.Header)

	req.Header.Set(HeaderReplayToken, p.replayToken)
	req.Header.Set(HeaderReplayFrom, id)
	req.Header.Set(HeaderReplayInitiator, initiator)
	req.Header.Set(HeaderReplayID, newID)

	resp, err := p.replayHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("replay failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return newID, nil
}

func (p *Proxy) replayHTTPClient() *http.Client {
	p.replayOnce.Do(func() {
		proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", p.port)}
		p.replayClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
				TLSClientConfig: &tls.Config{
					RootCAs:    p.ca.CertPool(),
					MinVersion: tls.VersionTLS12,
				},
			},
			Timeout: 60 * time.Second,
		}
	})
	return p.replayClient
}
