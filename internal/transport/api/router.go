// Package api is the HTTP surface of the territory backend: bulk zone fetch,
// the four transactional calls, profiles, grid geometry and the change feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"hexclaim.io/internal/auth"
	"hexclaim.io/internal/geo/hexgrid"
	plog "hexclaim.io/internal/persistence/log"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/transport/ws"
	"hexclaim.io/internal/tuning"
)

const maxBodyBytes = 1 << 20

// Ledger records every transactional call that reached the store.
type Ledger interface {
	Write(e plog.Entry) error
}

type Options struct {
	Auth       *auth.Authenticator
	Grid       hexgrid.ViewConfig
	RateLimits tuning.RateLimits
	// Ledger is optional.
	Ledger Ledger
	// BotBalance is what every spawned bot profile starts with, whatever the
	// client sent. Zero means the tuning default.
	BotBalance decimal.Decimal
	// Timeout bounds each store call. Zero means 10s.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *log.Logger
}

type Server struct {
	backend  territory.Backend
	profiles territory.ProfileStore
	auth     *auth.Authenticator
	grid     hexgrid.ViewConfig
	ledger   Ledger
	limits   *limiters
	changes  *ws.Server
	timeout  time.Duration
	botFunds decimal.Decimal
	now      func() time.Time
	log      *log.Logger

	// seen holds subjects whose profile row is known to exist.
	seen sync.Map
}

func New(backend territory.Backend, profiles territory.ProfileStore, opts Options) (*Server, error) {
	if backend == nil || profiles == nil {
		return nil, fmt.Errorf("api: backend and profile store are required")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("api: authenticator is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Grid.Resolution == 0 {
		opts.Grid = hexgrid.DefaultViewConfig()
	}
	if opts.BotBalance.IsZero() {
		opts.BotBalance = tuning.Defaults().Spawn.BotStartingBalance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		backend:  backend,
		profiles: profiles,
		auth:     opts.Auth,
		grid:     opts.Grid,
		ledger:   opts.Ledger,
		limits:   newLimiters(opts.RateLimits),
		changes:  ws.NewServer(backend, opts.Logger),
		timeout:  opts.Timeout,
		botFunds: opts.BotBalance,
		now:      opts.Now,
		log:      opts.Logger,
	}, nil
}

// Router wires every route. Everything under /v1 requires a bearer token.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(versionHeader)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth.Middleware(func(w http.ResponseWriter, err error) {
		writeError(w, http.StatusUnauthorized, protocol.ErrUnauthenticated, err.Error())
	}))
	v1.Use(s.ensureProfile)

	v1.HandleFunc("/zones", s.handleZones).Methods(http.MethodGet)
	v1.HandleFunc("/profile", s.handleGetProfile).Methods(http.MethodGet)
	v1.HandleFunc("/profile", s.handlePatchProfile).Methods(http.MethodPatch)
	v1.HandleFunc("/grid/cell", s.handleGridCell).Methods(http.MethodGet)
	v1.HandleFunc("/grid/visible", s.handleGridVisible).Methods(http.MethodGet)
	v1.HandleFunc("/changes", s.changes.Handler()).Methods(http.MethodGet)

	rpc := v1.PathPrefix("/rpc").Subrouter()
	rpc.Use(s.rateLimit)
	rpc.HandleFunc("/capture", s.handleCapture).Methods(http.MethodPost)
	rpc.HandleFunc("/fortify", s.handleFortify).Methods(http.MethodPost)
	rpc.HandleFunc("/harvest", s.handleHarvest).Methods(http.MethodPost)
	rpc.HandleFunc("/spawn_batch", s.handleSpawnBatch).Methods(http.MethodPost)

	return r
}

func versionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(protocol.HeaderVersion, protocol.Version)
		next.ServeHTTP(w, r)
	})
}

// ensureProfile creates the caller's profile on first contact.
func (s *Server) ensureProfile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFrom(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthenticated, "no claims")
			return
		}
		if _, ok := s.seen.Load(claims.Subject); !ok {
			ctx, cancel := s.callContext(r)
			_, err := s.profiles.EnsureProfile(ctx, claims.Subject, claims.Username)
			cancel()
			if err != nil {
				s.log.Printf("ensure profile %s: %v", claims.Subject, err)
				s.fail(w, err)
				return
			}
			s.seen.Store(claims.Subject, struct{}{})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.Allow(auth.Subject(r.Context())) {
			writeError(w, http.StatusTooManyRequests, protocol.ErrRateLimit, "slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) callContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, protocol.ErrorResp{Code: code, Message: msg})
}

// fail answers a store error. Uncoded errors are internal.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := territory.CodeOf(err)
	if code == "" {
		if errors.Is(err, context.DeadlineExceeded) {
			code = protocol.ErrTransport
		} else {
			code = protocol.ErrInternal
		}
	}
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrBadRequest:
		return http.StatusBadRequest
	case protocol.ErrUnauthenticated:
		return http.StatusUnauthorized
	case protocol.ErrNotOwner:
		return http.StatusForbidden
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrConflict, protocol.ErrAlreadyOwned, protocol.ErrBatchRejected:
		return http.StatusConflict
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return territory.Errorf(protocol.ErrBadRequest, "body: %v", err)
	}
	return nil
}
