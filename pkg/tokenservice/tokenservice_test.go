package tokenservice

import (
	"context"
	"crypto/ed25519"
	goerrs "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type staticAuthenticator map[string]string

func (a staticAuthenticator) Authenticate(_ context.Context, identity, secret string) (uint64, error) {
	if want, has := a[identity]; !has || want != secret {
		return 0, &errors.Unauthorized{Identity: identity}
	}
	return uint64(len(identity)), nil
}

func newService(t *testing.T, full *atomic.Bool, burst int) (*Service, *token.Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	issuer, err := token.NewIssuer(token.IssuerConfig{Issuer: "netsync", Audience: "sim", Key: priv, TTL: 30 * time.Second, ProtocolID: 7})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := token.NewVerifier(token.VerifierConfig{Issuer: "netsync", Audience: "sim", Key: pub, ProtocolID: 7, ServerEndpoint: "127.0.0.1:5000"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	svc, err := New(Params{
		Issuer:         issuer,
		Authenticator:  staticAuthenticator{"alice": "pw"},
		Capacity:       func() bool { return !full.Load() },
		ServerEndpoint: "127.0.0.1:5000",
		RateLimit:      0.001,
		RateBurst:      burst,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, verifier
}

func TestTokenEndpointStatuses(t *testing.T) {
	full := &atomic.Bool{}
	svc, _ := newService(t, full, 100)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	cases := []struct {
		name   string
		method string
		body   string
		full   bool
		want   int
	}{
		{"ok", http.MethodPost, `{"client_identity":"alice","secret":"pw"}`, false, http.StatusOK},
		{"bad secret", http.MethodPost, `{"client_identity":"alice","secret":"nope"}`, false, http.StatusUnauthorized},
		{"unknown identity", http.MethodPost, `{"client_identity":"mallory","secret":"pw"}`, false, http.StatusUnauthorized},
		{"bad json", http.MethodPost, `{"client_identity":`, false, http.StatusBadRequest},
		{"empty identity", http.MethodPost, `{"client_identity":""}`, false, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"user":"alice"}`, false, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, false, http.StatusMethodNotAllowed},
		{"no capacity", http.MethodPost, `{"client_identity":"alice","secret":"pw"}`, true, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			full.Store(tc.full)
			req, _ := http.NewRequest(tc.method, srv.URL+"/token", strings.NewReader(tc.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestFetchTokenVerifiesAtTheServer(t *testing.T) {
	svc, verifier := newService(t, &atomic.Bool{}, 100)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := FetchToken(context.Background(), srv.Client(), srv.URL, "alice", "pw")
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	if resp.ClientID != 5 || resp.ServerEndpoint != "127.0.0.1:5000" {
		t.Errorf("unexpected response %+v", resp)
	}
	if got := resp.ExpiresAt.Sub(resp.IssuedAt); got != 30*time.Second {
		t.Errorf("expected a 30s validity window, got %s", got)
	}

	tok, err := verifier.Verify([]byte(resp.Signature))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if tok.ClientID != 5 {
		t.Errorf("verified client id %d, want 5", tok.ClientID)
	}

	var unauthorized *errors.Unauthorized
	if _, err := FetchToken(context.Background(), srv.Client(), srv.URL, "alice", "wrong"); !goerrs.As(err, &unauthorized) {
		t.Errorf("expected Unauthorized, got %v", err)
	}
}

func TestRateLimitPerAddress(t *testing.T) {
	svc, _ := newService(t, &atomic.Bool{}, 2)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	var statuses []int
	for i := 0; i < 3; i++ {
		resp, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(`{"client_identity":"alice","secret":"pw"}`))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK || statuses[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected statuses %v", statuses)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz should not be rate limited, got %d", resp.StatusCode)
	}
}

func TestOpenAuthenticator(t *testing.T) {
	a := OpenAuthenticator{}
	id1, err := a.Authenticate(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	id2, _ := a.Authenticate(context.Background(), "alice", "anything")
	if id1 != id2 {
		t.Error("client id must be stable per identity")
	}
	if other, _ := a.Authenticate(context.Background(), "bob", ""); other == id1 {
		t.Error("different identities collided")
	}
	var unauthorized *errors.Unauthorized
	if _, err := a.Authenticate(context.Background(), "  ", ""); !goerrs.As(err, &unauthorized) {
		t.Errorf("expected Unauthorized for blank identity, got %v", err)
	}
}

func TestIssueTokenIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	before := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	full := &atomic.Bool{}
	svc, _ := newService(t, full, 100)
	if _, err := svc.IssueToken(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	full.Store(true)
	if _, err := svc.IssueToken(context.Background(), "alice", "pw"); err == nil {
		t.Fatal("expected ServiceUnavailable")
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "tokenservice.issue" {
			t.Errorf("unexpected span %q", span.Name())
		}
	}
	if spans[0].Status().Code == codes.Error || spans[1].Status().Code != codes.Error {
		t.Errorf("unexpected statuses %v, %v", spans[0].Status(), spans[1].Status())
	}
}

// brokenWriter accepts headers but fails every body write, like a client that hung up.
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(status int)    { w.status = status }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, goerrs.New("connection reset") }

func TestResponseWriteFailureIsLogged(t *testing.T) {
	svc, _ := newService(t, &atomic.Bool{}, 100)
	core, logs := observer.New(zap.DebugLevel)
	svc.log = zap.New(core)

	w := &brokenWriter{header: http.Header{}}
	svc.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.status != http.StatusOK {
		t.Fatalf("unexpected status %d", w.status)
	}
	entries := logs.FilterMessage("Failed to write response").All()
	if len(entries) != 1 || entries[0].ContextMap()["status"] != int64(http.StatusOK) {
		t.Fatalf("expected one write failure log, got %+v", entries)
	}
}
