// payment-core/internal/httpapi/middleware.go
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
	m "github.com/example/payment-core/pkg/metrics"
)

const serviceName = "payments-core"

/*************** Metrics middleware ***************/
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		statusLabel := "FAILED"
		if rec.status >= 200 && rec.status < 400 {
			statusLabel = "SUCCESS"
		}
		m.IncRequest(serviceName, statusLabel, r.Method)
		m.ObserveDuration(serviceName, statusLabel, time.Since(start).Seconds())
	})
}

/*************** Auth ***************/

// Claims carried by bearer tokens issued by the auth service.
type Claims struct {
	Role      string `json:"role,omitempty"`
	ActorType string `json:"actor_type,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for actor; used by the token command and tests.
func (a *Authenticator) Issue(actor payment.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role:      actor.Role,
		ActorType: string(actor.Type),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (payment.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return payment.Actor{}, errs.Wrap(errs.KindAuthentication, "invalid_token", "bearer token is invalid", err)
	}
	if claims.Subject == "" {
		return payment.Actor{}, errs.Authentication("invalid_token", "bearer token has no subject")
	}
	actor := payment.Actor{ID: claims.Subject, Type: payment.ActorUser, Role: claims.Role}
	if claims.ActorType == string(payment.ActorAdmin) {
		actor.Type = payment.ActorAdmin
	}
	return actor, nil
}

type actorKey struct{}

func actorFrom(ctx context.Context) (payment.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(payment.Actor)
	return a, ok
}

func (a *Authenticator) Middleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				writeError(w, log, errs.Authentication("missing_token", "bearer token required"))
				return
			}
			actor, err := a.Parse(raw)
			if err != nil {
				writeError(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}
