// Package httpapi serves the grant-product-access function and the
// operational endpoints of the fulfillment server.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketflow/auth"
	"marketflow/config"
	"marketflow/fulfillment"
	"marketflow/logging"
)

const (
	GrantPath  = "/functions/v1/grant-product-access"
	maxBodyLen = 1 << 20
)

// Granter runs the access-grant dispatcher for a request.
type Granter interface {
	GrantByID(ctx context.Context, req fulfillment.GrantRequest) (fulfillment.GrantResult, error)
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	VerifyToken(token string) (auth.Principal, error)
}

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.ServerConfig
	granter  Granter
	verifier TokenVerifier
	db       Pinger
}

func NewServer(cfg config.ServerConfig, granter Granter, verifier TokenVerifier, db Pinger) *Server {
	return &Server{cfg: cfg, granter: granter, verifier: verifier, db: db}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			return name
		})
	})
	return validate
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "apikey", "X-Client-Info", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			window := s.cfg.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, window))
		}
		r.Use(s.requireBearer)
		r.Post(GrantPath, s.handleGrant)
	})

	return r
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyLen)

	var req fulfillment.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body", "")
		return
	}
	if err := validatorInstance().Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err), "")
		return
	}

	if p, ok := PrincipalFromContext(r.Context()); ok && p.Role == auth.RoleAuthenticated && p.UserID != req.BuyerID {
		respondError(w, http.StatusForbidden, "Cannot grant access for another buyer", "")
		return
	}

	result, err := s.granter.GrantByID(r.Context(), req)
	if err != nil {
		s.respondGrantError(w, r, req, err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("order_id", req.OrderID).
		Str("product_id", req.ProductID).
		Str("access_type", result.AccessType).
		Msg("access granted")
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) respondGrantError(w http.ResponseWriter, r *http.Request, req fulfillment.GrantRequest, err error) {
	kind := fulfillment.KindOf(err)
	switch kind {
	case fulfillment.KindNotFound:
		respondError(w, http.StatusNotFound, "Product or order not found", string(kind))
	case fulfillment.KindInvalidProductConfig:
		respondError(w, http.StatusUnprocessableEntity, err.Error(), string(kind))
	default:
		logging.Ctx(r.Context()).Error().Err(err).
			Str("order_id", req.OrderID).
			Str("product_id", req.ProductID).
			Msg("grant product access")
		respondError(w, http.StatusInternalServerError, "Internal server error", string(kind))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("healthz: database ping failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	var missing, malformed []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			malformed = append(malformed, fe.Field())
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", "))
	}
	return fmt.Sprintf("Invalid identifiers: %s", strings.Join(malformed, ", "))
}
