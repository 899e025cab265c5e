// Package ca implements the self-signed certificate authority that backs
// entity authentication. The authority owns a root key pair and issues
// per-entity leaf certificates binding the entity id and its registered
// addresses.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ztsec/zerotrust-core/config"
	"github.com/ztsec/zerotrust-core/pkg/entity"
)

// ErrCryptoInit indicates the authority could not generate its key
// material. The core must not start without a functioning CA.
type ErrCryptoInit struct {
	Err error
}

func (e *ErrCryptoInit) Error() string {
	return fmt.Sprintf("certificate authority initialization failed: %v", e.Err)
}

func (e *ErrCryptoInit) Unwrap() error { return e.Err }

// IssuedCertificate is a leaf certificate and its private key, both
// PEM-encoded. The authority keeps no copy; the caller stores the
// fingerprint on the entity.
type IssuedCertificate struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	Fingerprint    string
	NotAfter       time.Time
}

// Authority issues and fingerprints per-entity client certificates.
type Authority struct {
	cfg      config.AuthorityConfig
	rootKey  *rsa.PrivateKey
	rootCert *x509.Certificate
	serialMu sync.Mutex
	serial   *big.Int
	logger   *log.Logger
}

// NewAuthority generates the root key pair and self-signed root
// certificate. Returns ErrCryptoInit if key generation fails; the caller
// must treat that as fatal.
func NewAuthority(cfg config.AuthorityConfig, logger *log.Logger) (*Authority, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	keyBits := cfg.KeyBits
	if keyBits < 2048 {
		keyBits = 2048
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, &ErrCryptoInit{Err: err}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   cfg.CommonName,
			Organization: []string{"zerotrust-core"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(cfg.RootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, &ErrCryptoInit{Err: err}
	}

	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &ErrCryptoInit{Err: err}
	}

	logger.WithFields(log.Fields{
		"common_name": cfg.CommonName,
		"key_bits":    keyBits,
		"not_after":   rootCert.NotAfter,
	}).Info("certificate authority initialized")

	return &Authority{
		cfg:      cfg,
		rootKey:  rootKey,
		rootCert: rootCert,
		serial:   big.NewInt(1),
		logger:   logger,
	}, nil
}

// RootCertificatePEM returns the PEM-encoded root certificate for
// distribution to verifiers.
func (a *Authority) RootCertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootCert.Raw})
}

// IssueCertificate builds a leaf certificate for the entity, signed by the
// root. Subject CN is the entity id; the entity's registered IPs become
// subject-alt-names. Issuance is not retried on failure; the caller
// re-invokes.
func (a *Authority) IssueCertificate(e *entity.Entity) (*IssuedCertificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	var sans []net.IP
	for _, ipStr := range e.IPAddresses {
		if ip := net.ParseIP(ipStr); ip != nil {
			sans = append(sans, ip)
		}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: a.nextSerial(),
		Subject: pkix.Name{
			CommonName:         e.ID,
			OrganizationalUnit: []string{string(e.Type)},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(a.cfg.LeafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		IPAddresses: sans,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &leafKey.PublicKey, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", e.ID, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(leafKey),
	})

	issued := &IssuedCertificate{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		Fingerprint:    fingerprintDER(der),
		NotAfter:       template.NotAfter,
	}

	a.logger.WithFields(log.Fields{
		"entity_id":   e.ID,
		"fingerprint": issued.Fingerprint,
		"not_after":   issued.NotAfter,
	}).Info("issued entity certificate")

	return issued, nil
}

// Fingerprint returns the SHA-256 content hash of a PEM-encoded
// certificate. The hash is computed over the DER bytes so re-encoding the
// PEM does not change the fingerprint.
func (a *Authority) Fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("not a PEM certificate")
	}
	return fingerprintDER(block.Bytes), nil
}

// Verify parses a PEM certificate and checks it chains to the root and is
// within its validity window.
func (a *Authority) Verify(certPEM []byte, at time.Time) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(a.rootCert)

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: at,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

func (a *Authority) nextSerial() *big.Int {
	a.serialMu.Lock()
	defer a.serialMu.Unlock()
	a.serial.Add(a.serial, big.NewInt(1))
	return new(big.Int).Set(a.serial)
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
