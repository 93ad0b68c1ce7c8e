package ldap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedPEM returns a PEM certificate and its PEM private key.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "myca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func TestBuildTLSConfig_ServerName(t *testing.T) {
	base := &tls.Config{MinVersion: tls.VersionTLS12}
	cfg := &ConnectionConfig{TLSConfig: base}

	got, err := buildTLSConfig(cfg, "dc1.mydomain.local")
	require.NoError(t, err)
	assert.Equal(t, "dc1.mydomain.local", got.ServerName)
	assert.NotSame(t, base, got, "the configured TLS config is cloned")
	assert.Empty(t, base.ServerName)

	pinned := &ConnectionConfig{TLSConfig: &tls.Config{ServerName: "ldap.mydomain.local"}}
	got, err = buildTLSConfig(pinned, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "ldap.mydomain.local", got.ServerName)

	got, err = buildTLSConfig(&ConnectionConfig{}, "dc1.mydomain.local")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), got.MinVersion)
}

func TestBuildTLSConfig_CACertificates(t *testing.T) {
	certPEM, _ := selfSignedPEM(t)
	dir := t.TempDir()

	t.Run("inline", func(t *testing.T) {
		got, err := buildTLSConfig(&ConnectionConfig{TLSCACert: certPEM}, "dc1")
		require.NoError(t, err)
		assert.NotNil(t, got.RootCAs)
	})

	t.Run("file", func(t *testing.T) {
		path := writeFile(t, dir, "ca.pem", certPEM)
		got, err := buildTLSConfig(&ConnectionConfig{TLSCACertFile: path}, "dc1")
		require.NoError(t, err)
		assert.NotNil(t, got.RootCAs)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := buildTLSConfig(&ConnectionConfig{TLSCACertFile: filepath.Join(dir, "absent.pem")}, "dc1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read CA certificate file")
	})

	t.Run("file without certificates", func(t *testing.T) {
		path := writeFile(t, dir, "empty.pem", "not a certificate\n")
		_, err := buildTLSConfig(&ConnectionConfig{TLSCACertFile: path}, "dc1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no certificates found in")
	})

	t.Run("inline without certificates", func(t *testing.T) {
		_, err := buildTLSConfig(&ConnectionConfig{TLSCACert: "garbage"}, "dc1")
		assert.EqualError(t, err, "no certificates found in CA certificate content")
	})
}

func TestBuildTLSConfig_ClientCertificate(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)
	dir := t.TempDir()
	certFile := writeFile(t, dir, "client.pem", certPEM)
	keyFile := writeFile(t, dir, "client.key", keyPEM)

	got, err := buildTLSConfig(&ConnectionConfig{TLSClientCertFile: certFile, TLSClientKeyFile: keyFile}, "dc1")
	require.NoError(t, err)
	assert.Len(t, got.Certificates, 1)

	_, err = buildTLSConfig(&ConnectionConfig{TLSClientCertFile: certFile}, "dc1")
	assert.EqualError(t, err, "client certificate and key must be provided together")

	_, err = buildTLSConfig(&ConnectionConfig{TLSClientCertFile: keyFile, TLSClientKeyFile: certFile}, "dc1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load client certificate")
}

func TestDefaultConfigHasTLSConfig(t *testing.T) {
	// The default config always carries a TLS config so that ServerName
	// can be set per server.
	config := DefaultConfig()

	if config.TLSConfig == nil {
		t.Fatal("Default config must have TLSConfig initialized")
	}
	if config.TLSConfig.InsecureSkipVerify {
		t.Error("Default config should not skip TLS verification")
	}
	if !config.UseTLS {
		t.Error("Default config should require TLS")
	}
}
