/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Actor:      Caller identity from the gateway headers
  3. Recoverer:  Panic recovery, logged through zap (500 instead of crash)
  4. Logger:     One structured access log line per request
  5. CORS:       Cross-origin requests for the admin frontend

CALLER IDENTITY:
  Authentication happens upstream. The gateway forwards the caller as
  X-Actor-ID and X-Actor-Role. Mutating management routes (open period,
  process dues, pay dues, load scenario) require RoleAdmin or RoleTreasurer.
  The "system" role is reserved for the in-process scheduler and is never
  accepted from a header.

ROUTE GROUPS:
  /api/periods/*     Collection periods and contributions
  /api/dues/*        Dues processing and the due ledger
  /api/wallets/*     Wallet balances and entries
  /api/admin/*       Consistency audit
  /api/scenarios/*   Demo scenarios
  /api/health        Liveness + database ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/dues-ledger/ledger"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(ActorFromHeaders)
	r.Use(Recoverer(h.Logger))
	r.Use(RequestLogger(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Collection period routes
		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.With(RequireManager).Post("/", h.CreatePeriod)
			r.Get("/{id}", h.GetPeriod)
			r.Post("/{id}/contributions", h.RecordContribution)
		})

		// Dues routes
		r.Route("/dues", func(r chi.Router) {
			r.Get("/", h.ListDues)
			r.With(RequireManager).Post("/process", h.ProcessDues)
			r.Get("/runs", h.ListDuesRuns)
			r.Get("/schedule", h.GetSchedule)
			r.With(RequireManager).Post("/{id}/pay", h.PayDue)
		})

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", h.ListWallets)
			r.Get("/{kind}/{id}", h.GetWallet)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit", h.Audit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(RequireManager).Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// ActorFromHeaders stores the gateway-supplied caller in the request context.
func ActorFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		role := r.Header.Get(HeaderActorRole)
		if role == ledger.RoleSystem {
			role = ""
		}
		ctx := ledger.WithActor(r.Context(), ledger.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireManager rejects callers that may not manage periods or dues.
func RequireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := ledger.ActorFrom(r.Context())
		if !actor.CanManage() {
			forbidden(w, actor)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs every request with its status and latency. Level follows
// the status code.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.String("client_ip", r.RemoteAddr),
				zap.Int("body_size", ww.BytesWritten()),
			}
			if q := r.URL.RawQuery; q != "" {
				fields = append(fields, zap.String("query", q))
			}
			if actor := ledger.ActorFrom(r.Context()); actor.ID != "anonymous" {
				fields = append(fields, zap.String("actor", actor.ID))
			}

			const msg = "HTTP request"
			switch {
			case status >= 500:
				logger.Error(msg, fields...)
			case status >= 400:
				logger.Warn(msg, fields...)
			default:
				logger.Info(msg, fields...)
			}
		})
	}
}

// Recoverer turns a panic into a 500 and logs it with a stack trace.
func Recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("error", rec),
						zap.Stack("stacktrace"),
					)
					writeError(w, http.StatusInternalServerError, "internal error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
