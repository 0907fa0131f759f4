// internal/verifier/cert_source.go
package verifier

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxCertificateBytes = 64 << 10

var ErrCertificateURL = errors.New("certificate url not allowed")

type HTTPCertSourceConfig struct {
	// AllowedHosts are host suffixes certificates may be fetched from.
	AllowedHosts []string
	// Roots verifies the fetched chain; nil uses the system pool.
	Roots   *x509.CertPool
	Timeout time.Duration
}

// HTTPCertificateSource fetches signing certificates over HTTPS, verifies the
// chain and caches the result. Concurrent fetches of one URL are collapsed.
type HTTPCertificateSource struct {
	client  *http.Client
	cfg     HTTPCertSourceConfig
	cache   *CertCache
	group   singleflight.Group
	logger  *zap.Logger
	nowFunc func() time.Time
}

func NewHTTPCertificateSource(client *http.Client, cache *CertCache, cfg HTTPCertSourceConfig, logger *zap.Logger) *HTTPCertificateSource {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if len(cfg.AllowedHosts) == 0 {
		cfg.AllowedHosts = []string{"paypal.com"}
	}
	return &HTTPCertificateSource{
		client:  client,
		cfg:     cfg,
		cache:   cache,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func (s *HTTPCertificateSource) Certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if err := s.checkURL(certURL); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if cert, err := s.cache.Get(ctx, certURL); err == nil {
			if s.inValidity(cert) {
				return cert, nil
			}
			if err := s.cache.Delete(ctx, certURL); err != nil {
				s.logger.Warn("failed to evict expired certificate", zap.String("cert_url", certURL), zap.Error(err))
			}
		}
	}

	v, err, shared := s.group.Do(certURL, func() (interface{}, error) {
		return s.fetch(ctx, certURL)
	})
	if err != nil {
		s.logger.Warn("certificate fetch failed",
			zap.String("cert_url", certURL),
			zap.Bool("shared", shared),
			zap.Error(err))
		return nil, err
	}
	return v.(*x509.Certificate), nil
}

func (s *HTTPCertificateSource) checkURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrCertificateURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range s.cfg.AllowedHosts {
		allowed = strings.ToLower(strings.TrimPrefix(allowed, "."))
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q", ErrCertificateURL, host)
}

func (s *HTTPCertificateSource) fetch(ctx context.Context, certURL string) (*x509.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build certificate request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch certificate: status %d", resp.StatusCode)
	}
	pemBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	cert, err := s.parseAndVerify(pemBytes)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, certURL, pemBytes, cert); err != nil {
			s.logger.Warn("failed to cache certificate", zap.String("cert_url", certURL), zap.Error(err))
		}
	}
	s.logger.Info("certificate fetched",
		zap.String("cert_url", certURL),
		zap.String("subject", cert.Subject.CommonName),
		zap.Time("not_after", cert.NotAfter))
	return cert, nil
}

// parseAndVerify decodes a PEM chain (leaf first) and verifies the leaf.
func (s *HTTPCertificateSource) parseAndVerify(pemBytes []byte) (*x509.Certificate, error) {
	certs, err := ParsePEMChain(pemBytes)
	if err != nil {
		return nil, err
	}
	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         s.cfg.Roots,
		Intermediates: intermediates,
		CurrentTime:   s.nowFunc(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("verify certificate chain: %w", err)
	}
	return leaf, nil
}

func (s *HTTPCertificateSource) inValidity(cert *x509.Certificate) bool {
	now := s.nowFunc()
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}

// ParsePEMChain decodes every CERTIFICATE block in pemBytes.
func ParsePEMChain(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate in PEM data")
	}
	return certs, nil
}
