// Package proxy provides the capturing MITM HTTP/HTTPS proxy built on
// goproxy. Every proxied exchange is authenticated against a capture
// session, dispatched through the interceptor runtime, and recorded in
// the store.
package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/mtford90/procsi/pkg/ca"
	"github.com/mtford90/procsi/pkg/config"
	"github.com/mtford90/procsi/pkg/interceptor"
	"github.com/mtford90/procsi/pkg/store"
)

// Internal headers carried by clients and the replayer. They are stripped
// before forwarding and before storing.
const (
	HeaderSessionID       = "x-procsi-internal-session-id"
	HeaderSessionToken    = "x-procsi-internal-session-token"
	HeaderReplayToken     = "x-procsi-internal-replay-token"
	HeaderReplayFrom      = "x-procsi-internal-replayed-from"
	HeaderReplayInitiator = "x-procsi-internal-replay-initiator"
	HeaderReplayID        = "x-procsi-internal-replay-id"
)

// HeaderError is the synthetic response header attached to records whose
// exchange failed before a response was produced.
const HeaderError = "x-procsi-error"

// ErrAuth marks rejected proxy authentication.
var ErrAuth = errors.New("session authentication failed")

// hopHeaders are stripped before storing and before forwarding.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
}

// Metrics receives proxy observations.
type Metrics interface {
	RequestStart()
	RequestEnd(method, host string, status int, duration time.Duration, responseSize int64)
}

// Config holds proxy configuration options.
type Config struct {
	// BodyCap bounds stored bodies per direction.
	BodyCap int64
	// AuthMode is config.AuthRequired or config.AuthOptional.
	AuthMode string
	// PortPath is written atomically with the bound port.
	PortPath string
	// PreferredPortPath persists the port across runs.
	PreferredPortPath string
	// Verbose enables goproxy's own logging.
	Verbose bool
	// Logger for proxy errors. Defaults to zap.NewNop.
	Logger *zap.Logger
	// Metrics for observability (optional).
	Metrics Metrics
}

// Proxy is the capturing proxy server.
type Proxy struct {
	server    *goproxy.ProxyHttpServer
	transport *http.Transport
	store     *store.Store
	runtime   *interceptor.Runtime
	ca        *ca.CA
	cfg       *Config
	log       *zap.Logger

	replayToken  string
	replayOnce   sync.Once
	replayClient *http.Client

	listener net.Listener
	httpSrv  *http.Server
	port     int
}

// New creates a proxy wired to the store, interceptor runtime, and leaf
// issuer.
func New(st *store.Store, rt *interceptor.Runtime, projectCA *ca.CA, issuer *ca.Issuer, cfg *Config) (*Proxy, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BodyCap <= 0 {
		cfg.BodyCap = config.DefaultMaxBodySize
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	replayToken, err := newReplayToken()
	if err != nil {
		return nil, err
	}

	server := goproxy.NewProxyHttpServer()
	server.Verbose = cfg.Verbose

	// Upstream TLS verifies the real chain against the OS trust store;
	// idle connections are pooled per authority.
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	server.Tr = transport

	p := &Proxy{
		server:      server,
		transport:   transport,
		store:       st,
		runtime:     rt,
		ca:          projectCA,
		cfg:         cfg,
		log:         logger,
		replayToken: replayToken,
	}

	tlsCert, err := projectCA.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to build CA key pair: %w", err)
	}
	mitm := &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(&tlsCert)}
	server.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return mitm, host
		}))
	// Leaf issuance goes through the project issuer's LRU.
	server.CertStore = issuer

	server.OnRequest().DoFunc(p.onRequest)
	server.OnResponse().DoFunc(p.onResponse)

	return p, nil
}

// Bind listens on loopback, preferring the persisted port and falling
// back to an OS-assigned one, then writes the port files.
func (p *Proxy) Bind() error {
	var listener net.Listener

	if preferred := readPort(p.cfg.PreferredPortPath); preferred > 0 {
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred)); err == nil {
			listener = ln
		}
	}
	if listener == nil {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to bind proxy listener: %w", err)
		}
		listener = ln
	}

	p.listener = listener
	p.port = listener.Addr().(*net.TCPAddr).Port

	if p.cfg.PortPath != "" {
		if err := writeFileAtomic(p.cfg.PortPath, strconv.Itoa(p.port)); err != nil {
			listener.Close()
			return err
		}
	}
	if p.cfg.PreferredPortPath != "" {
		if err := writeFileAtomic(p.cfg.PreferredPortPath, strconv.Itoa(p.port)); err != nil {
			p.log.Warn("failed to persist preferred port", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port. Valid after Bind.
func (p *Proxy) Port() int {
	return p.port
}

// Serve runs the proxy on the bound listener until Shutdown.
func (p *Proxy) Serve() error {
	p.httpSrv = &http.Server{
		Handler:           p.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := p.httpSrv.Serve(p.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight exchanges
// until the context expires, then force-closes the rest.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.httpSrv == nil {
		return nil
	}
	if err := p.httpSrv.Shutdown(ctx); err != nil {
		return p.httpSrv.Close()
	}
	return nil
}

func newReplayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate replay token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// authenticate resolves the session for an exchange, honoring the auth
// mode. The returned session is nil for unauthenticated optional-mode
// traffic.
func (p *Proxy) authenticate(sessionID, token string) (*store.Session, error) {
	if sessionID == "" && token == "" {
		if p.cfg.AuthMode == config.AuthOptional {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: missing session headers", ErrAuth)
	}

	sess, err := p.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown session", ErrAuth)
	}
	if subtle.ConstantTimeCompare([]byte(sess.Token), []byte(token)) != 1 {
		return nil, fmt.Errorf("%w: bad token", ErrAuth)
	}
	return sess, nil
}

func readPort(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0
	}
	return port
}

func writeFileAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
