// Package security issues and verifies the mTLS certificates that
// pkg/api and pkg/replication use to authenticate tgd nodes and
// clients to each other. Grounded on the teacher's certificate
// authority (pkg/security/ca.go) but rewritten to persist through
// pkg/kv.Store instead of a cluster-specific storage.Store, and to
// issue tangram node/client certificates rather than Warren manager
// certificates.
package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/tangramdotdev/tangram/pkg/kv"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

const bucketCA = "security-ca"

var Buckets = []string{bucketCA}

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	nodeKeySize      = 2048
)

const caKey = "root"

// CertAuthority issues and verifies node/client certificates for a
// single tangram deployment. A deployment's CA is generated once (on
// the first node to call Initialize) and every other node loads the
// same root from the shared store.
type CertAuthority struct {
	kv   kv.Store
	mu   sync.RWMutex
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func New(store kv.Store) *CertAuthority {
	return &CertAuthority{kv: store}
}

type caRecord struct {
	CertDER []byte `json:"cert_der"`
	KeyDER  []byte `json:"key_der"`
}

// Initialize generates a fresh root CA and persists it. Callers should
// try LoadFromStore first and only Initialize if that returns NotFound.
func (ca *CertAuthority) Initialize(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "security.Initialize", err, "failed to generate root key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "security.Initialize", err, "failed to generate serial number")
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"tangram"},
			CommonName:   "tangram root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "security.Initialize", err, "failed to create root certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tgerror.Wrap(tgerror.Corrupt, "security.Initialize", err, "failed to parse freshly-minted root certificate")
	}

	record := caRecord{CertDER: der, KeyDER: x509.MarshalPKCS1PrivateKey(key)}
	data, err := json.Marshal(record)
	if err != nil {
		return tgerror.Wrap(tgerror.Invalid, "security.Initialize", err, "failed to encode CA record")
	}
	if err := ca.kv.Update(ctx, func(tx kv.Tx) error {
		return tx.Put(bucketCA, []byte(caKey), data)
	}); err != nil {
		return tgerror.Wrap(tgerror.IO, "security.Initialize", err, "failed to persist CA")
	}

	ca.cert, ca.key = cert, key
	return nil
}

// LoadFromStore loads a previously-initialized root CA.
func (ca *CertAuthority) LoadFromStore(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	var data []byte
	err := ca.kv.View(ctx, func(tx kv.Tx) error {
		v, err := tx.Get(bucketCA, []byte(caKey))
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if err != nil {
		return err
	}

	var record caRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return tgerror.Wrap(tgerror.Corrupt, "security.LoadFromStore", err, "failed to decode CA record")
	}
	cert, err := x509.ParseCertificate(record.CertDER)
	if err != nil {
		return tgerror.Wrap(tgerror.Corrupt, "security.LoadFromStore", err, "failed to parse stored root certificate")
	}
	key, err := x509.ParsePKCS1PrivateKey(record.KeyDER)
	if err != nil {
		return tgerror.Wrap(tgerror.Corrupt, "security.LoadFromStore", err, "failed to parse stored root key")
	}
	ca.cert, ca.key = cert, key
	return nil
}

// IssueNodeCertificate issues a short-lived server/client certificate
// for a tgd node, usable both for the pkg/api listener and as a
// pkg/replication client certificate to peers.
func (ca *CertAuthority) IssueNodeCertificate(nodeID string, dnsNames []string, ips []net.IP) (*tls.Certificate, error) {
	return ca.issue(fmt.Sprintf("node-%s", nodeID), dnsNames, ips, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth})
}

// IssueClientCertificate issues a client-only certificate for cmd/tg.
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	return ca.issue(fmt.Sprintf("client-%s", clientID), nil, nil, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
}

func (ca *CertAuthority) issue(commonName string, dnsNames []string, ips []net.IP, usage []x509.ExtKeyUsage) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.cert == nil || ca.key == nil {
		return nil, tgerror.New(tgerror.Unresolved, "security.issue", "CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "security.issue", err, "failed to generate key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "security.issue", err, "failed to generate serial number")
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"tangram"}, CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(nodeCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  usage,
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "security.issue", err, "failed to create certificate")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.Corrupt, "security.issue", err, "failed to parse freshly-issued certificate")
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// VerifyCertificate checks cert against the root CA, accepting either
// client or server usage (pkg/api's listener verifies both directions
// over the same mTLS handshake).
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.cert == nil {
		return tgerror.New(tgerror.Unresolved, "security.VerifyCertificate", "CA not initialized")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	opts := x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}}
	if _, err := cert.Verify(opts); err != nil {
		return tgerror.Wrap(tgerror.Invalid, "security.VerifyCertificate", err, "certificate verification failed")
	}
	return nil
}

// RootCertPool returns a pool containing only the root CA, for
// building both server and client tls.Config values.
func (ca *CertAuthority) RootCertPool() *x509.CertPool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	pool := x509.NewCertPool()
	if ca.cert != nil {
		pool.AddCert(ca.cert)
	}
	return pool
}

// ServerTLSConfig builds a mTLS server config from an issued node
// certificate, requiring and verifying a client certificate from the
// same root.
func ServerTLSConfig(cert *tls.Certificate, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig builds a mTLS client config presenting cert and
// trusting only roots.
func ClientTLSConfig(cert *tls.Certificate, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS13,
	}
}
