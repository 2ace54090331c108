package ca

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerate(t *testing.T) {
	ca, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !ca.Certificate.IsCA {
		t.Error("expected IsCA")
	}
	if ca.Certificate.Subject.CommonName != CommonName {
		t.Errorf("expected %q, got %q", CommonName, ca.Certificate.Subject.CommonName)
	}
	if len(ca.Certificate.Subject.Organization) != 1 || ca.Certificate.Subject.Organization[0] != Organization {
		t.Errorf("unexpected organization %v", ca.Certificate.Subject.Organization)
	}
}

func TestEnsureCAGeneratesOnceThenLoads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	first, err := EnsureCA(certPath, keyPath)
	if err != nil {
		t.Fatalf("EnsureCA failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected owner-only key, got %v", info.Mode().Perm())
	}

	second, err := EnsureCA(certPath, keyPath)
	if err != nil {
		t.Fatalf("second EnsureCA failed: %v", err)
	}

	if !first.Certificate.Equal(second.Certificate) {
		t.Error("expected second call to load the persisted CA")
	}
}

func TestLoadFromPEMRoundTrip(t *testing.T) {
	ca, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFromPEM(ca.CertPEM(), ca.KeyPEM())
	if err != nil {
		t.Fatalf("LoadFromPEM failed: %v", err)
	}

	if !loaded.Certificate.Equal(ca.Certificate) {
		t.Error("certificate mismatch after reload")
	}
}

func TestIssuerLeaf(t *testing.T) {
	ca, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	issuer := NewIssuer(ca, 4)

	cert, err := issuer.Leaf("api.example.com")
	if err != nil {
		t.Fatalf("Leaf failed: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}

	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "api.example.com" {
		t.Errorf("expected single SAN, got %v", leaf.DNSNames)
	}

	roots := ca.CertPool()
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "api.example.com"}); err != nil {
		t.Errorf("leaf does not verify against the CA: %v", err)
	}
}

func TestIssuerLeafForIP(t *testing.T) {
	ca, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	issuer := NewIssuer(ca, 4)

	cert, err := issuer.Leaf("127.0.0.1:443")
	if err != nil {
		t.Fatalf("Leaf failed: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("expected IP SAN, got %v", leaf.IPAddresses)
	}
}

func TestIssuerCacheHit(t *testing.T) {
	ca, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	issuer := NewIssuer(ca, 4)

	first, err := issuer.Leaf("cached.example.com")
	if err != nil {
		t.Fatal(err)
	}
	second, err := issuer.Leaf("cached.example.com")
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Error("expected cache hit to return the same certificate")
	}
	if issuer.Len() != 1 {
		t.Errorf("expected 1 cached leaf, got %d", issuer.Len())
	}
}

func TestIssuerLRUEviction(t *testing.T) {
	ca, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	issuer := NewIssuer(ca, 2)

	hosts := []string{"a.example.com", "b.example.com", "c.example.com"}
	for _, h := range hosts {
		if _, err := issuer.Leaf(h); err != nil {
			t.Fatal(err)
		}
	}

	if issuer.Len() != 2 {
		t.Errorf("expected cache bounded at 2, got %d", issuer.Len())
	}

	// The oldest entry was evicted; reissuing it caches the fresh leaf again.
	first, err := issuer.Leaf("a.example.com")
	if err != nil {
		t.Fatal(err)
	}
	again, err := issuer.Leaf("a.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("expected reissued leaf to be cached")
	}
}
