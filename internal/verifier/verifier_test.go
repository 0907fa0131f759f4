// internal/verifier/verifier_test.go
package verifier

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"payment-reconciler/internal/models"
	"payment-reconciler/shared/pkg/redis"
)

const testCardSecret = "whsec_test_secret"

func cardHeader(payload []byte, secret string, ts time.Time) http.Header {
	sig := webhook.ComputeSignature(ts, payload, secret)
	h := http.Header{}
	h.Set(CardSignatureHeader, fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig)))
	return h
}

func TestCardVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Now()

	tests := []struct {
		name    string
		secret  string
		body    []byte
		headers http.Header
		wantErr bool
	}{
		{"valid", testCardSecret, payload, cardHeader(payload, testCardSecret, now), false},
		{"wrong secret", testCardSecret, payload, cardHeader(payload, "whsec_other", now), true},
		{"tampered body", testCardSecret, []byte(`{"id":"evt_2","type":"payment_intent.succeeded"}`), cardHeader(payload, testCardSecret, now), true},
		{"reserialized body", testCardSecret, []byte(`{"id": "evt_1", "type": "payment_intent.succeeded"}`), cardHeader(payload, testCardSecret, now), true},
		{"stale timestamp", testCardSecret, payload, cardHeader(payload, testCardSecret, now.Add(-10*time.Minute)), true},
		{"missing header", testCardSecret, payload, http.Header{}, true},
		{"garbage header", testCardSecret, payload, http.Header{CardSignatureHeader: []string{"nonsense"}}, true},
		{"secret not configured", "", payload, cardHeader(payload, "", now), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewCardVerifier(tt.secret, 5*time.Minute)
			err := v.Verify(context.Background(), tt.body, tt.headers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSignatureInvalid) {
				t.Errorf("Verify() error = %v, want ErrSignatureInvalid", err)
			}
		})
	}
}

func TestRegistry_UnknownProviderRejected(t *testing.T) {
	r := NewRegistry().
		Register(models.ProviderCardGateway, NewCardVerifier(testCardSecret, 0)).
		Register("BANK_GATEWAY", NewCardVerifier(testCardSecret, 0))

	tests := []struct {
		name     string
		provider models.Provider
	}{
		{"known provider without verifier", models.ProviderWalletGateway},
		{"provider outside the known set", "BANK_GATEWAY"},
		{"empty provider", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Verify(context.Background(), tt.provider, []byte(`{}`), http.Header{})
			assert.True(t, errors.Is(err, ErrSignatureInvalid))
		})
	}
}

type signingCert struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	pem  []byte
}

func newSigningCert(t *testing.T, notAfter time.Time) signingCert {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "messageverificationcerts.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return signingCert{
		key:  key,
		cert: cert,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (sc signingCert) sign(t *testing.T, transmissionID, transmissionTime, webhookID string, body []byte) string {
	t.Helper()
	digest := sha256.Sum256([]byte(SignedString(transmissionID, transmissionTime, webhookID, body)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, sc.key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

type walletFixture struct {
	signer   signingCert
	server   *httptest.Server
	fetches  *atomic.Int32
	certURL  string
	source   *HTTPCertificateSource
	verifier *WalletVerifier
}

func newWalletFixture(t *testing.T, trusted bool, handler http.HandlerFunc) *walletFixture {
	t.Helper()
	f := &walletFixture{
		signer:  newSigningCert(t, time.Now().Add(24*time.Hour)),
		fetches: &atomic.Int32{},
	}
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/x-pem-file")
			_, _ = w.Write(f.signer.pem)
		}
	}
	f.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		handler(w, r)
	}))
	t.Cleanup(f.server.Close)
	f.certURL = f.server.URL + "/certs/CERT-360caa42-fca2a594-1d93a270"

	roots := x509.NewCertPool()
	if trusted {
		roots.AddCert(f.signer.cert)
	}
	f.source = NewHTTPCertificateSource(f.server.Client(), NewCertCache(nil, time.Hour, zap.NewNop()), HTTPCertSourceConfig{
		AllowedHosts: []string{"127.0.0.1"},
		Roots:        roots,
	}, zap.NewNop())
	f.verifier = NewWalletVerifier("WH-ID-1", 5*time.Minute, f.source)
	return f
}

func (f *walletFixture) headers(t *testing.T, body []byte, sentAt time.Time, webhookID string) http.Header {
	ts := sentAt.UTC().Format(time.RFC3339)
	h := http.Header{}
	h.Set(WalletTransmissionIDHeader, "69cd13f0-d67a-11e5-baa3-778b53f4ae55")
	h.Set(WalletTransmissionTimeHeader, ts)
	h.Set(WalletTransmissionSigHeader, f.signer.sign(t, "69cd13f0-d67a-11e5-baa3-778b53f4ae55", ts, webhookID, body))
	h.Set(WalletCertURLHeader, f.certURL)
	h.Set(WalletAuthAlgoHeader, "SHA256withRSA")
	return h
}

func TestWalletVerifier_Valid(t *testing.T) {
	f := newWalletFixture(t, true, nil)
	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)

	err := f.verifier.Verify(context.Background(), body, f.headers(t, body, time.Now(), "WH-ID-1"))
	require.NoError(t, err)

	// second delivery is served from cache
	err = f.verifier.Verify(context.Background(), body, f.headers(t, body, time.Now(), "WH-ID-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.fetches.Load())
}

func TestWalletVerifier_Rejects(t *testing.T) {
	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)

	tests := []struct {
		name   string
		mutate func(t *testing.T, f *walletFixture) ([]byte, http.Header)
	}{
		{
			name: "tampered body",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				return []byte(`{"id":"WH-2"}`), f.headers(t, body, time.Now(), "WH-ID-1")
			},
		},
		{
			name: "signed for another webhook",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				return body, f.headers(t, body, time.Now(), "WH-ID-OTHER")
			},
		},
		{
			name: "replayed transmission",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				return body, f.headers(t, body, time.Now().Add(-time.Hour), "WH-ID-1")
			},
		},
		{
			name: "missing signature",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				h := f.headers(t, body, time.Now(), "WH-ID-1")
				h.Del(WalletTransmissionSigHeader)
				return body, h
			},
		},
		{
			name: "unsupported algorithm",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				h := f.headers(t, body, time.Now(), "WH-ID-1")
				h.Set(WalletAuthAlgoHeader, "SHA1withRSA")
				return body, h
			},
		},
		{
			name: "plain http certificate url",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				h := f.headers(t, body, time.Now(), "WH-ID-1")
				h.Set(WalletCertURLHeader, "http://127.0.0.1/cert.pem")
				return body, h
			},
		},
		{
			name: "certificate host not allowed",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				h := f.headers(t, body, time.Now(), "WH-ID-1")
				h.Set(WalletCertURLHeader, "https://attacker.example/cert.pem")
				return body, h
			},
		},
		{
			name: "signature not base64",
			mutate: func(t *testing.T, f *walletFixture) ([]byte, http.Header) {
				h := f.headers(t, body, time.Now(), "WH-ID-1")
				h.Set(WalletTransmissionSigHeader, "%%%")
				return body, h
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWalletFixture(t, true, nil)
			b, h := tt.mutate(t, f)

			err := f.verifier.Verify(context.Background(), b, h)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSignatureInvalid), "got %v", err)
		})
	}
}

func TestWalletVerifier_CertificateFailuresAreUnverified(t *testing.T) {
	body := []byte(`{"id":"WH-1"}`)

	t.Run("fetch error", func(t *testing.T) {
		f := newWalletFixture(t, true, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		})
		err := f.verifier.Verify(context.Background(), body, f.headers(t, body, time.Now(), "WH-ID-1"))
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})

	t.Run("not pem", func(t *testing.T) {
		f := newWalletFixture(t, true, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("placeholder"))
		})
		err := f.verifier.Verify(context.Background(), body, f.headers(t, body, time.Now(), "WH-ID-1"))
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})

	t.Run("untrusted chain", func(t *testing.T) {
		f := newWalletFixture(t, false, nil)
		err := f.verifier.Verify(context.Background(), body, f.headers(t, body, time.Now(), "WH-ID-1"))
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})

	t.Run("server down", func(t *testing.T) {
		f := newWalletFixture(t, true, nil)
		f.server.Close()
		err := f.verifier.Verify(context.Background(), body, f.headers(t, body, time.Now(), "WH-ID-1"))
		assert.True(t, errors.Is(err, ErrSignatureInvalid))
	})
}

func TestHTTPCertificateSource_CollapsesConcurrentFetches(t *testing.T) {
	release := make(chan struct{})
	var f *walletFixture
	f = newWalletFixture(t, true, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write(f.signer.pem)
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.source.Certificate(context.Background(), f.certURL)
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Less(t, f.fetches.Load(), int32(workers))
}

func TestHTTPCertificateSource_EvictsExpiredCachedCertificate(t *testing.T) {
	f := newWalletFixture(t, true, nil)
	ctx := context.Background()

	_, err := f.source.Certificate(ctx, f.certURL)
	require.NoError(t, err)
	_, err = f.source.cache.Get(ctx, f.certURL)
	require.NoError(t, err)

	f.source.nowFunc = func() time.Time { return f.signer.cert.NotAfter.Add(time.Minute) }

	_, err = f.source.Certificate(ctx, f.certURL)
	assert.Error(t, err, "refetched certificate is expired too")
	assert.Equal(t, int32(2), f.fetches.Load())
	_, err = f.source.cache.Get(ctx, f.certURL)
	assert.Error(t, err, "expired certificate no longer cached")
}

func TestCertCache_SharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redis.NewRedisClient(mr.Addr())
	t.Cleanup(func() { _ = store.Close() })

	sc := newSigningCert(t, time.Now().Add(time.Hour))
	ctx := context.Background()

	writer := NewCertCache(store, 10*time.Minute, zap.NewNop())
	require.NoError(t, writer.Set(ctx, "https://api.paypal.com/cert", sc.pem, sc.cert))

	reader := NewCertCache(store, 10*time.Minute, zap.NewNop())
	got, err := reader.Get(ctx, "https://api.paypal.com/cert")
	require.NoError(t, err)
	assert.Equal(t, sc.cert.SerialNumber, got.SerialNumber)
	assert.Equal(t, 1, reader.GetStats()["memory_cache_size"])

	ttl := mr.TTL("wallet-cert:https://api.paypal.com/cert")
	assert.True(t, ttl > 0 && ttl <= 10*time.Minute, "ttl = %s", ttl)

	require.NoError(t, reader.Delete(ctx, "https://api.paypal.com/cert"))
	_, err = NewCertCache(store, time.Minute, zap.NewNop()).Get(ctx, "https://api.paypal.com/cert")
	assert.Error(t, err)
}

func TestCertCache_TTLBoundedByExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redis.NewRedisClient(mr.Addr())
	t.Cleanup(func() { _ = store.Close() })

	sc := newSigningCert(t, time.Now().Add(2*time.Minute))
	c := NewCertCache(store, time.Hour, zap.NewNop())
	require.NoError(t, c.Set(context.Background(), "https://api.paypal.com/short", sc.pem, sc.cert))

	assert.LessOrEqual(t, mr.TTL("wallet-cert:https://api.paypal.com/short"), 2*time.Minute)
}
