// Package tokenservice is the HTTP front door of the system: it authenticates a client
// identity and, if the simulation server has room, answers with a short-lived signed
// connection token for the transport handshake.
package tokenservice

import (
	"context"
	"encoding/json"
	goerrs "errors"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/sessamekesh/spanreed-netsync/pkg/tokenservice"

// Authenticator maps a client identity and secret to a stable client id. Failures are
// reported as *errors.Unauthorized.
type Authenticator interface {
	Authenticate(ctx context.Context, identity, secret string) (uint64, error)
}

// CapacityFunc reports whether the simulation server can take another client.
type CapacityFunc func() bool

// OpenAuthenticator accepts any non-empty identity and derives its client id by hashing it.
// Development only.
type OpenAuthenticator struct{}

func (OpenAuthenticator) Authenticate(_ context.Context, identity, _ string) (uint64, error) {
	if strings.TrimSpace(identity) == "" {
		return 0, &errors.Unauthorized{Identity: identity}
	}
	h := fnv.New64a()
	h.Write([]byte(identity))
	return h.Sum64(), nil
}

type Params struct {
	Issuer        *token.Issuer
	Authenticator Authenticator
	Capacity      CapacityFunc

	// Address of the simulation server, bound into every token.
	ServerEndpoint string

	// Per remote address token requests.
	RateLimit rate.Limit
	RateBurst int

	ListenAddress string

	Logger *zap.Logger
}

type Service struct {
	params Params
	log    *zap.Logger

	mut_limiters sync.Mutex
	limiters     map[string]*addressLimiter
}

type addressLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 10 * time.Minute

func New(params Params) (*Service, error) {
	if params.Issuer == nil {
		return nil, goerrs.New("token service requires an issuer")
	}
	if params.Authenticator == nil {
		params.Authenticator = OpenAuthenticator{}
	}
	if params.Capacity == nil {
		params.Capacity = func() bool { return true }
	}
	if params.RateLimit <= 0 {
		params.RateLimit = 1
	}
	if params.RateBurst <= 0 {
		params.RateBurst = 3
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Service{
		params:   params,
		log:      logger.With(zap.String("handler", "TokenService")),
		limiters: make(map[string]*addressLimiter),
	}, nil
}

// IssueToken authenticates identity and signs a connection token for it. Unauthorized and
// ServiceUnavailable are final; callers should not retry them.
func (s *Service) IssueToken(ctx context.Context, identity, secret string) (token.ConnectionToken, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tokenservice.issue")
	defer span.End()

	clientID, err := s.params.Authenticator.Authenticate(ctx, identity, secret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unauthorized")
		return token.ConnectionToken{}, err
	}
	span.SetAttributes(attribute.Int64("netsync.client_id", int64(clientID)))

	if !s.params.Capacity() {
		span.SetStatus(codes.Error, "no capacity")
		return token.ConnectionToken{}, &errors.ServiceUnavailable{Reason: "simulation server is full"}
	}

	tok, err := s.params.Issuer.Issue(clientID, s.params.ServerEndpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issue failed")
		return token.ConnectionToken{}, &errors.ServiceUnavailable{Reason: err.Error()}
	}
	return tok, nil
}

func (s *Service) allow(addr string, now time.Time) bool {
	s.mut_limiters.Lock()
	defer s.mut_limiters.Unlock()

	entry, has := s.limiters[addr]
	if !has {
		if len(s.limiters) >= 1024 {
			for key, l := range s.limiters {
				if now.Sub(l.lastSeen) > limiterIdleEviction {
					delete(s.limiters, key)
				}
			}
		}
		entry = &addressLimiter{limiter: rate.NewLimiter(s.params.RateLimit, s.params.RateBurst)}
		s.limiters[addr] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

type TokenRequest struct {
	ClientIdentity string `json:"client_identity"`
	Secret         string `json:"secret"`
}

type TokenResponse struct {
	ClientID       uint64    `json:"client_id"`
	ServerEndpoint string    `json:"server_endpoint"`
	ProtocolID     uint64    `json:"protocol_id"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Nonce          string    `json:"nonce"`
	Signature      string    `json:"signature"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("Failed to write response", zap.Int("status", status), zap.Error(err))
	}
}

func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.allow(host, time.Now()) {
		s.log.Debug("Rate limited token request", zap.String("remote", host))
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
		return
	}

	req := TokenRequest{}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil || strings.TrimSpace(req.ClientIdentity) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"client_identity\": ..., \"secret\": ...}"})
		return
	}

	tok, err := s.IssueToken(r.Context(), req.ClientIdentity, req.Secret)
	var unauthorized *errors.Unauthorized
	var unavailable *errors.ServiceUnavailable
	switch {
	case err == nil:
	case goerrs.As(err, &unauthorized):
		s.log.Info("Rejected token request", zap.String("identity", req.ClientIdentity))
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return
	case goerrs.As(err, &unavailable):
		s.log.Warn("Token service unavailable", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	default:
		s.log.Error("Unexpected token issuance failure", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	s.log.Info("Issued connection token", zap.Uint64("clientId", tok.ClientID), zap.Time("expiresAt", tok.ExpiresAt))
	s.writeJSON(w, http.StatusOK, TokenResponse{
		ClientID:       tok.ClientID,
		ServerEndpoint: tok.ServerEndpoint,
		ProtocolID:     tok.ProtocolID,
		IssuedAt:       tok.IssuedAt,
		ExpiresAt:      tok.ExpiresAt,
		Nonce:          tok.Nonce,
		Signature:      tok.Signature,
	})
}

// Register mounts POST /token and GET /healthz on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Start serves the token endpoints (plus anything extra registers on the same mux) until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context, extra ...func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	s.Register(mux)
	for _, register := range extra {
		register(mux)
	}

	server := &http.Server{
		Addr:              s.params.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		s.log.Sugar().Infof("Starting token service at %s", s.params.ListenAddress)
		if err := server.ListenAndServe(); !goerrs.Is(err, http.ErrServerClosed) {
			s.log.Error("Unexpected token service close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("Failed to gracefully shut down token service", zap.Error(err))
			return
		}
		s.log.Info("Successfully shutdown token service")
	}()

	wg.Wait()
	return nil
}
