package udss

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestCA(t testing.TB) *CertAuthority {
	t.Helper()
	certPEM, keyPEM, err := GenerateCA("Test", 1)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	ca, err := NewCertAuthorityFromPEM(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("NewCertAuthorityFromPEM failed: %v", err)
	}
	return ca
}

func TestGenerateCA(t *testing.T) {
	certPEM, keyPEM, err := GenerateCA("Test Org", 1)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}

	ca, err := NewCertAuthorityFromPEM(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("NewCertAuthorityFromPEM failed: %v", err)
	}

	cert := ca.Certificate()
	if !cert.IsCA {
		t.Error("certificate is not marked as CA")
	}
	if cert.Subject.Organization[0] != "Test Org" {
		t.Errorf("unexpected organization: %v", cert.Subject.Organization)
	}
	want := x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	if cert.KeyUsage&want != want {
		t.Errorf("KeyUsage = %v, want at least %v", cert.KeyUsage, want)
	}
	if len(ca.Fingerprint()) != 64 {
		t.Errorf("Fingerprint() = %q, want 64 hex chars", ca.Fingerprint())
	}
}

func TestIssueLeaf(t *testing.T) {
	ca := newTestCA(t)

	tests := []struct {
		name string
		host string
		ip   bool
	}{
		{"simple domain", "example.com", false},
		{"subdomain", "www.example.com", false},
		{"ipv4 address", "192.168.1.1", true},
		{"ipv6 address", "::1", true},
		{"localhost", "localhost", false},
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := ca.IssueLeaf(tt.host)
			if err != nil {
				t.Fatalf("IssueLeaf(%q) failed: %v", tt.host, err)
			}
			if len(cert.Certificate) != 2 {
				t.Fatalf("chain length = %d, want 2", len(cert.Certificate))
			}

			leaf := cert.Leaf
			if leaf.Subject.CommonName != tt.host {
				t.Errorf("CommonName = %q, want %q", leaf.Subject.CommonName, tt.host)
			}
			if tt.ip && len(leaf.IPAddresses) != 1 {
				t.Errorf("IPAddresses = %v, want one entry", leaf.IPAddresses)
			}
			if !tt.ip && (len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != tt.host) {
				t.Errorf("DNSNames = %v, want [%s]", leaf.DNSNames, tt.host)
			}

			if _, err := leaf.Verify(x509.VerifyOptions{
				Roots:     roots,
				DNSName:   tt.host,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			}); err != nil {
				t.Errorf("leaf verification failed: %v", err)
			}
		})
	}
}

func TestIssueLeafFreshEachCall(t *testing.T) {
	ca := newTestCA(t)
	a, err := ca.IssueLeaf("example.com")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ca.IssueLeaf("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if a.Leaf.SerialNumber.Cmp(b.Leaf.SerialNumber) == 0 {
		t.Error("two issuances share a serial number")
	}
}

func TestIssueLeafValidity(t *testing.T) {
	ca := newTestCA(t)
	ca.LeafValidity = time.Hour

	cert, err := ca.IssueLeaf("short.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(cert.Leaf.NotAfter); d > time.Hour+time.Minute {
		t.Errorf("leaf valid for %v, want about 1h", d)
	}
}

func TestIssueLeafInvalidHost(t *testing.T) {
	ca := newTestCA(t)

	for _, host := range []string{"", "bad host", "a..b", "-lead.com", "trail-.com", "üñí.com"} {
		t.Run(host, func(t *testing.T) {
			_, err := ca.IssueLeaf(host)
			if err == nil {
				t.Fatalf("IssueLeaf(%q) succeeded, want error", host)
			}
			if KindOf(err) != KindTLS {
				t.Errorf("KindOf(IssueLeaf(%q)) = %v, want %v", host, KindOf(err), KindTLS)
			}
		})
	}
}

func TestNewCertAuthorityFromPEMInvalid(t *testing.T) {
	validCert, validKey, _ := GenerateCA("Test", 1)
	_, otherKey, _ := GenerateCA("Other", 1)

	tests := []struct {
		name string
		cert []byte
		key  []byte
	}{
		{"invalid cert PEM", []byte("not a cert"), validKey},
		{"invalid key PEM", validCert, []byte("not a key")},
		{"empty cert", []byte{}, validKey},
		{"empty key", validCert, []byte{}},
		{"mismatched pair", validCert, otherKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCertAuthorityFromPEM(tt.cert, tt.key)
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != KindTLS {
				t.Errorf("KindOf(err) = %v, want %v", KindOf(err), KindTLS)
			}
		})
	}
}

func TestNewCertAuthorityFromPEMECKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "EC Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	ca, err := NewCertAuthorityFromPEM(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("NewCertAuthorityFromPEM(EC) failed: %v", err)
	}
	if _, err := ca.IssueLeaf("ec.example.com"); err != nil {
		t.Errorf("IssueLeaf with EC root failed: %v", err)
	}

	combined := joinPEM(certPEM, keyPEM)
	c, k, err := SplitCombinedPEM(combined)
	if err != nil {
		t.Fatalf("SplitCombinedPEM(EC) failed: %v", err)
	}
	if !bytes.Contains(c, []byte("CERTIFICATE")) || !bytes.Contains(k, []byte("EC PRIVATE KEY")) {
		t.Error("EC combined file split at the wrong place")
	}
}

func TestSplitCombinedPEM(t *testing.T) {
	certPEM, keyPEM, _ := GenerateCA("Test", 1)

	c, k, err := SplitCombinedPEM(joinPEM(certPEM, keyPEM))
	if err != nil {
		t.Fatalf("SplitCombinedPEM failed: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(c), bytes.TrimSpace(certPEM)) {
		t.Error("certificate half differs")
	}
	if !bytes.Equal(bytes.TrimSpace(k), bytes.TrimSpace(keyPEM)) {
		t.Error("key half differs")
	}

	if _, _, err := SplitCombinedPEM(certPEM); err == nil {
		t.Error("expected error for file without a key")
	}
	if _, _, err := SplitCombinedPEM(keyPEM); err == nil {
		t.Error("expected error for file without a certificate")
	}
}

func caOpts(dir string) CAOptions {
	return CAOptions{Dir: dir, Logger: discardLogger()}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestLoadOrCreateCAGenerates(t *testing.T) {
	dir := t.TempDir()

	ca, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}

	for _, name := range []string{CombinedPEMFile, CertFile, KeyFile} {
		if !fileExists(filepath.Join(dir, name)) {
			t.Errorf("%s not written", name)
		}
	}

	cert := ca.Certificate()
	if cert.Subject.CommonName != "UDSS Proxy Root CA" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != "CoremaxTech" {
		t.Errorf("Organization = %v", cert.Subject.Organization)
	}
	if len(cert.Subject.Country) != 1 || cert.Subject.Country[0] != "KR" {
		t.Errorf("Country = %v", cert.Subject.Country)
	}
	if !cert.IsCA {
		t.Error("generated root is not a CA")
	}

	combined := readFile(t, filepath.Join(dir, CombinedPEMFile))
	want := joinPEM(readFile(t, filepath.Join(dir, CertFile)), readFile(t, filepath.Join(dir, KeyFile)))
	if !bytes.Equal(combined, want) {
		t.Error("combined file is not cert followed by key")
	}
}

func TestLoadOrCreateCALoadsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("second load generated a new root")
	}
}

func TestLoadOrCreateCARebuildsCombined(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, CombinedPEMFile)); err != nil {
		t.Fatal(err)
	}

	second, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}
	if !fileExists(filepath.Join(dir, CombinedPEMFile)) {
		t.Error("combined file not rebuilt")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("root changed while rebuilding combined file")
	}
}

func TestLoadOrCreateCASplitsCombined(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{CertFile, KeyFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}

	second, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatalf("LoadOrCreateCA failed: %v", err)
	}
	for _, name := range []string{CertFile, KeyFile} {
		if !fileExists(filepath.Join(dir, name)) {
			t.Errorf("%s not restored", name)
		}
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("root changed while splitting combined file")
	}
}

func TestLoadOrCreateCASplitsRSAKeyHeader(t *testing.T) {
	dir := t.TempDir()

	legacyCert, legacyKey := legacyPKCS1Pair(t)
	if err := os.WriteFile(filepath.Join(dir, CombinedPEMFile), joinPEM(legacyCert, legacyKey), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadOrCreateCA(caOpts(dir))
	if err != nil {
		t.Fatalf("LoadOrCreateCA(PKCS#1 combined) failed: %v", err)
	}
	if !bytes.Contains(readFile(t, filepath.Join(dir, KeyFile)), []byte("RSA PRIVATE KEY")) {
		t.Error("split key file lost its PKCS#1 header")
	}
	if loaded.Certificate().Subject.CommonName != "Legacy Root" {
		t.Errorf("loaded CommonName = %q", loaded.Certificate().Subject.CommonName)
	}
}

func TestLoadOrCreateCACorruptFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, CombinedPEMFile), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadOrCreateCA(caOpts(dir))
	if err == nil {
		t.Fatal("expected error for corrupt combined file")
	}
	if !errors.Is(err, &Error{Kind: KindTLS}) {
		t.Errorf("error = %v, want TLS kind", err)
	}
}

func TestLoadOrCreateCAConcurrent(t *testing.T) {
	dir := t.TempDir()

	var wg sync.WaitGroup
	fps := make([]string, 4)
	for i := range fps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ca, err := LoadOrCreateCA(caOpts(dir))
			if err != nil {
				t.Error(err)
				return
			}
			fps[i] = ca.Fingerprint()
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(fps); i++ {
		if fps[i] != fps[0] {
			t.Fatal("concurrent initialization produced different roots")
		}
	}
}

func TestEnsureSSLDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssl")
	if err := EnsureSSLDirectories(dir); err != nil {
		t.Fatalf("EnsureSSLDirectories failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, TrustedCertsSubdir))
	if err != nil || !info.IsDir() {
		t.Errorf("trusted certs dir missing: %v", err)
	}
}

func TestLoadTrustedCertificates(t *testing.T) {
	dir := t.TempDir()
	certPEM, _, _ := GenerateCA("Internal", 1)

	files := map[string][]byte{
		"internal.pem": certPEM,
		"internal.crt": certPEM,
		"notes.txt":    []byte("ignored"),
		"broken.pem":   []byte("not a certificate"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	pool, added, err := LoadTrustedCertificates(dir, discardLogger())
	if err != nil {
		t.Fatalf("LoadTrustedCertificates failed: %v", err)
	}
	if pool == nil {
		t.Fatal("nil pool")
	}
	if len(added) != 2 {
		t.Errorf("added = %v, want the .pem and .crt files", added)
	}

	if _, added, err := LoadTrustedCertificates(filepath.Join(dir, "missing"), discardLogger()); err != nil || len(added) != 0 {
		t.Errorf("missing dir: added=%v err=%v", added, err)
	}
}

func TestLeafCache(t *testing.T) {
	ca := newTestCA(t)
	c := NewLeafCache(ca, 10, time.Minute)

	a, err := c.GetCertificateForHost("cached.example.com")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.GetCertificateForHost("CACHED.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("certificate was not cached - got different pointers")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	c.Flush()
	if c.Len() != 0 {
		t.Errorf("Len() after Flush = %d, want 0", c.Len())
	}
}

func TestLeafCacheBounded(t *testing.T) {
	ca := newTestCA(t)
	c := NewLeafCache(ca, 2, time.Minute)

	for _, h := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if _, err := c.GetCertificateForHost(h); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.entries.Get("a.example.com"); ok {
		t.Error("oldest entry was not evicted")
	}
}

func TestLeafCacheInvalidHost(t *testing.T) {
	c := NewLeafCache(newTestCA(t), 10, time.Minute)
	if _, err := c.GetCertificateForHost("bad host"); KindOf(err) != KindTLS {
		t.Errorf("error kind = %v, want %v", KindOf(err), KindTLS)
	}
	if c.Len() != 0 {
		t.Error("failed issuance was cached")
	}
}

// legacyPKCS1Pair returns a root whose key uses the "RSA PRIVATE KEY" header.
func legacyPKCS1Pair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	certPEM, pkcs8PEM, err := createRoot(pkix.Name{CommonName: "Legacy Root"}, 1, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(pkcs8PEM)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		t.Fatalf("key type %T, want RSA", key)
	}
	return certPEM, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
}
