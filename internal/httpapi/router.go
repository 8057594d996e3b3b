package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"autopost/internal/dispatch"
	"autopost/internal/item"
	"autopost/internal/poller"
	logx "autopost/pkg/logx"
)

// Items is the authoring surface behind /v1/items.
type Items interface {
	Create(ctx context.Context, in item.Input) (item.ScheduledItem, error)
	Reschedule(ctx context.Context, ownerID, id string, at time.Time) (item.ScheduledItem, error)
	Cancel(ctx context.Context, ownerID, id string) (item.Draft, error)
	List(ctx context.Context, ownerID string) ([]item.ScheduledItem, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (poller.SweepReport, error)
}

type DispatcherInfo interface {
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
}

// Deps are the collaborators the router serves. Sweeper and Dispatcher are
// optional.
type Deps struct {
	Items      Items
	Sweeper    Sweeper
	Dispatcher DispatcherInfo
}

type Auth struct {
	// JWTSecret verifies HS256 owner tokens; sub is the owner id.
	JWTSecret string
	// AdminToken guards /admin; empty disables the admin routes.
	AdminToken string
	// Pprof mounts net/http/pprof under /debug/pprof behind the admin token.
	Pprof bool
}

const ownerKey = "owner"

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, auth Auth, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := gin.New()
	r.Use(recovery(log), accessLog(log))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	h := &handler{deps: deps, log: log}
	v1 := r.Group("/v1", ownerAuth(auth.JWTSecret), gzip.Gzip(gzip.DefaultCompression))
	v1.POST("/items", h.createItem)
	v1.GET("/items", h.listItems)
	v1.PATCH("/items/:id/schedule", h.rescheduleItem)
	v1.POST("/items/:id/cancel", h.cancelItem)

	if strings.TrimSpace(auth.AdminToken) != "" {
		admin := r.Group("/admin", adminAuth(auth.AdminToken))
		admin.POST("/sweep", h.sweep)
		admin.GET("/dispatcher", h.dispatcher)

		if auth.Pprof {
			dbg := r.Group("/debug/pprof", adminAuth(auth.AdminToken))
			dbg.GET("/", gin.WrapF(hpprof.Index))
			dbg.GET("/:name", pprofHandler)
		}
	}
	return r
}

func pprofHandler(c *gin.Context) {
	switch name := c.Param("name"); name {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		log.Error("http handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		abort(c, http.StatusInternalServerError, "internal", "internal error")
	})
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("route", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)))
	}
}

// ownerAuth verifies an HS256 bearer token and stores its subject as the owner.
func ownerAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok || len(key) == 0 {
			unauthorized(c)
			return
		}
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		)
		if err != nil || strings.TrimSpace(claims.Subject) == "" {
			unauthorized(c)
			return
		}
		c.Set(ownerKey, claims.Subject)
		c.Next()
	}
}

func adminAuth(token string) gin.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	return func(c *gin.Context) {
		got, ok := bearer(c.GetHeader("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

func bearer(h string) (string, bool) {
	const p = "Bearer "
	if len(h) <= len(p) || !strings.EqualFold(h[:len(p)], p) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(p):])
	return tok, tok != ""
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	abort(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: msg}})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, log logx.Logger, err error) {
	switch {
	case errors.Is(err, item.ErrInvalidSchedule):
		abort(c, http.StatusBadRequest, "invalid_schedule", err.Error())
	case errors.Is(err, item.ErrInvalidInput):
		abort(c, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, item.ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, item.ErrConflict), errors.Is(err, item.ErrInvalidTransition):
		abort(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, item.ErrStoreUnavailable):
		log.Warn("store unavailable", logx.String("route", c.FullPath()), logx.Err(err))
		abort(c, http.StatusServiceUnavailable, "unavailable", "store unavailable")
	default:
		log.Error("request failed", logx.String("route", c.FullPath()), logx.Err(err))
		abort(c, http.StatusInternalServerError, "internal", "internal error")
	}
}
