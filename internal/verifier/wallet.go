// internal/verifier/wallet.go
package verifier

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

const (
	WalletTransmissionIDHeader   = "PAYPAL-TRANSMISSION-ID"
	WalletTransmissionTimeHeader = "PAYPAL-TRANSMISSION-TIME"
	WalletTransmissionSigHeader  = "PAYPAL-TRANSMISSION-SIG"
	WalletCertURLHeader          = "PAYPAL-CERT-URL"
	WalletAuthAlgoHeader         = "PAYPAL-AUTH-ALGO"

	walletAuthAlgo = "SHA256withRSA"
)

// CertificateSource returns the verified signing certificate behind a URL.
type CertificateSource interface {
	Certificate(ctx context.Context, certURL string) (*x509.Certificate, error)
}

// WalletVerifier checks certificate based wallet gateway signatures. The
// signed string is transmissionId|transmissionTime|webhookId|crc32(body).
type WalletVerifier struct {
	webhookID string
	tolerance time.Duration
	certs     CertificateSource
	now       func() time.Time
}

func NewWalletVerifier(webhookID string, tolerance time.Duration, certs CertificateSource) *WalletVerifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WalletVerifier{
		webhookID: webhookID,
		tolerance: tolerance,
		certs:     certs,
		now:       time.Now,
	}
}

func (v *WalletVerifier) Verify(ctx context.Context, rawBody []byte, headers http.Header) error {
	if v.webhookID == "" {
		return invalid("wallet webhook id not configured")
	}

	transmissionID := headers.Get(WalletTransmissionIDHeader)
	transmissionTime := headers.Get(WalletTransmissionTimeHeader)
	sigB64 := headers.Get(WalletTransmissionSigHeader)
	certURL := headers.Get(WalletCertURLHeader)
	if transmissionID == "" || transmissionTime == "" || sigB64 == "" || certURL == "" {
		return invalid("missing wallet transmission headers")
	}
	if algo := headers.Get(WalletAuthAlgoHeader); algo != "" && !strings.EqualFold(algo, walletAuthAlgo) {
		return invalid("unsupported auth algorithm %q", algo)
	}

	sentAt, err := time.Parse(time.RFC3339, transmissionTime)
	if err != nil {
		return invalid("transmission time: %v", err)
	}
	if age := v.now().Sub(sentAt); age > v.tolerance || age < -v.tolerance {
		return invalid("transmission time outside tolerance (%s)", age.Round(time.Second))
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return invalid("signature encoding: %v", err)
	}

	cert, err := v.certs.Certificate(ctx, certURL)
	if err != nil {
		return invalid("certificate unavailable: %v", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return invalid("certificate key is not RSA")
	}

	digest := sha256.Sum256([]byte(SignedString(transmissionID, transmissionTime, v.webhookID, rawBody)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return invalid("wallet signature mismatch")
	}
	return nil
}

// SignedString builds the string the wallet gateway signs for a delivery.
func SignedString(transmissionID, transmissionTime, webhookID string, body []byte) string {
	return fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc32.ChecksumIEEE(body))
}
