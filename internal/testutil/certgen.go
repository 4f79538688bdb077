// Package testutil holds helpers shared by the package and end-to-end
// tests: self-signed certificates and connected session pairs.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// GenerateSelfSignedCertKeyPEM creates a self-signed ECDSA certificate for
// localhost, 127.0.0.1 and hostname, PEM-encoded with its PKCS#8 key.
func GenerateSelfSignedCertKeyPEM(hostname string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"h2mux test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.Equal(net.ParseIP("127.0.0.1")) {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	} else if hostname != "" && hostname != "localhost" {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	return certPEM, keyPEM, nil
}

// GenerateSelfSignedCertKeyFiles writes a self-signed certificate and key
// into t.TempDir() and returns their paths.
func GenerateSelfSignedCertKeyFiles(t *testing.T, host string) (certFile, keyFile string, err error) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM(host)
	if err != nil {
		return "", "", err
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		return "", "", err
	}
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

// TLSConfigs returns a server config serving a fresh self-signed
// certificate with ALPN h2, and a client config that trusts it.
func TLSConfigs(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertKeyPEM("localhost")
	if err != nil {
		t.Fatalf("generating certificate: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("loading certificate: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("adding certificate to pool")
	}
	serverCfg = &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"h2"}}
	clientCfg = &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{"h2"}}
	return serverCfg, clientCfg
}
