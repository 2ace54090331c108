package ca

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// DefaultLeafCacheSize is the default bound on cached leaf certificates.
const DefaultLeafCacheSize = 512

// leafValidity is how long issued leaves are valid.
const leafValidity = 365 * 24 * time.Hour

// IssuerMetrics receives cache observations from the issuer.
type IssuerMetrics interface {
	CertIssued(host string)
	CertCacheHit()
	CertCacheMiss()
}

// Issuer issues per-host leaf certificates signed by the project CA and
// keeps an LRU cache of issued leaves keyed by hostname.
type Issuer struct {
	ca      *CA
	max     int
	metrics IssuerMetrics

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
}

type leafEntry struct {
	host string
	cert *tls.Certificate
}

// NewIssuer creates a leaf issuer backed by ca. A size of 0 or less uses
// DefaultLeafCacheSize.
func NewIssuer(ca *CA, size int) *Issuer {
	if size <= 0 {
		size = DefaultLeafCacheSize
	}
	return &Issuer{
		ca:    ca,
		max:   size,
		cache: make(map[string]*list.Element),
		order: list.New(),
	}
}

// SetMetrics attaches cache metrics. Must be called before serving.
func (i *Issuer) SetMetrics(m IssuerMetrics) {
	i.metrics = m
}

// Leaf returns a certificate for host, issuing and caching one on demand.
func (i *Issuer) Leaf(host string) (*tls.Certificate, error) {
	host = stripPort(host)

	i.mu.Lock()
	if elem, ok := i.cache[host]; ok {
		i.order.MoveToFront(elem)
		cert := elem.Value.(*leafEntry).cert
		i.mu.Unlock()
		if i.metrics != nil {
			i.metrics.CertCacheHit()
		}
		return cert, nil
	}
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.CertCacheMiss()
	}

	cert, err := i.issue(host)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	// Another connection may have issued the same host concurrently; keep
	// the first one so the cache stays coherent.
	if elem, ok := i.cache[host]; ok {
		i.order.MoveToFront(elem)
		return elem.Value.(*leafEntry).cert, nil
	}
	i.cache[host] = i.order.PushFront(&leafEntry{host: host, cert: cert})
	for i.order.Len() > i.max {
		oldest := i.order.Back()
		i.order.Remove(oldest)
		delete(i.cache, oldest.Value.(*leafEntry).host)
	}

	if i.metrics != nil {
		i.metrics.CertIssued(host)
	}
	return cert, nil
}

// Fetch implements goproxy.CertStorage so the proxy's TLS upgrade path
// issues leaves through this cache. The generator argument is ignored in
// favor of the project CA.
func (i *Issuer) Fetch(hostname string, _ func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	return i.Leaf(hostname)
}

// Len returns the number of cached leaves.
func (i *Issuer) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.order.Len()
}

// issue creates a fresh leaf for host signed by the CA. The host is the
// certificate's single SAN.
func (i *Issuer) issue(host string) (*tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:   time.Now().Add(-1 * time.Hour), // tolerate client clock skew
		NotAfter:    time.Now().Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, i.ca.Certificate, &privateKey.PublicKey, i.ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal leaf key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to build leaf key pair: %w", err)
	}
	return &cert, nil
}

// stripPort removes an optional :port suffix from a CONNECT target.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
