package middleware

import (
	"net/http"

	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/obs"
	"github.com/sirupsen/logrus"
)

// AuthType is an authentication requirement declared on a route.
type AuthType string

const (
	AuthNone     AuthType = "none"
	AuthPassword AuthType = "password"
	AuthAccess   AuthType = "access"
	AuthRefresh  AuthType = "refresh"
	// AuthOtpSession accepts the temporary token handed out when a phone OTP is sent.
	AuthOtpSession AuthType = "otp_session"
	// AuthResetSession accepts the temporary token from a password reset link.
	AuthResetSession AuthType = "reset_session"
	// AuthSubscription requires an access token on a websocket upgrade.
	AuthSubscription AuthType = "subscription"
)

// DefaultAuthType applies when a route declares no requirement.
const DefaultAuthType = AuthAccess

// Strategy authenticates a request one specific way. A nil principal with a
// nil error means the strategy passed without identifying anyone.
type Strategy interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// Strategies are the concrete strategies the dispatch table is built from.
type Strategies struct {
	Password     Strategy
	Access       Strategy
	Refresh      Strategy
	OtpSession   Strategy
	ResetSession Strategy
	WebSocket    Strategy
}

// Dispatcher maps requirement tags to ordered strategy slots. The table is
// built once and never mutated.
type Dispatcher struct {
	table   map[AuthType][]Strategy
	metrics *obs.Metrics
	logger  logrus.FieldLogger
}

// NewDispatcher builds the dispatch table
func NewDispatcher(s Strategies, metrics *obs.Metrics, logger logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		table: map[AuthType][]Strategy{
			AuthNone:         {noneStrategy{}},
			AuthPassword:     {s.Password},
			AuthAccess:       {s.Access},
			AuthRefresh:      {s.Refresh},
			AuthOtpSession:   {s.OtpSession},
			AuthResetSession: {s.ResetSession},
			AuthSubscription: {s.Access, s.WebSocket},
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Dispatch tries each declared type in order and returns the principal of the
// first slot whose strategies all pass.
func (d *Dispatcher) Dispatch(r *http.Request, types []AuthType) (*Principal, error) {
	return dispatch(d.table, r, types)
}

func dispatch(table map[AuthType][]Strategy, r *http.Request, types []AuthType) (*Principal, error) {
	if len(types) == 0 {
		types = []AuthType{DefaultAuthType}
	}

	var lastErr error
	for _, t := range types {
		slot, ok := table[t]
		if !ok {
			lastErr = apperr.Internal("unknown auth type "+string(t), nil)
			continue
		}
		principal, err := runSlot(slot, r)
		if err != nil {
			lastErr = err
			continue
		}
		return principal, nil
	}
	if lastErr == nil {
		lastErr = apperr.Unauthorized("unauthorized")
	}
	return nil, lastErr
}

// runSlot requires every strategy in the slot to pass. The first principal produced wins.
func runSlot(slot []Strategy, r *http.Request) (*Principal, error) {
	var principal *Principal
	for _, s := range slot {
		if s == nil {
			return nil, apperr.Internal("strategy not configured", nil)
		}
		p, err := s.Authenticate(r)
		if err != nil {
			return nil, err
		}
		if principal == nil {
			principal = p
		}
	}
	return principal, nil
}

// Guard authenticates the request against the declared types and attaches the principal.
func (d *Dispatcher) Guard(types ...AuthType) func(http.Handler) http.Handler {
	label := string(DefaultAuthType)
	if len(types) > 0 {
		label = string(types[0])
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := d.Dispatch(r, types)
			if err != nil {
				d.metrics.DispatchFailures.WithLabelValues(label).Inc()
				d.logger.WithError(err).WithField("path", r.URL.Path).Debug("authentication failed")
				respondWithError(w, err)
				return
			}
			if principal != nil {
				r = r.WithContext(withPrincipal(r.Context(), principal))
			}
			next.ServeHTTP(w, r)
		})
	}
}
