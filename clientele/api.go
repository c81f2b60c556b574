package clientele

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix             = "/debug"
	apiPathRoot             = "/"
	apiHealthCheck          = "/healthz"
	apiPathInviteMap        = "/invite-map"
	apiPathPostInviteButton = "/post-invite-button"
)

const (
	xRequestIDHeader    = "X-Request-ID"
	xZapierSecretHeader = "x-zapier-secret"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validator tag
func init() {
	structValidator.SetTagName("binding")
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

// inviteMapRequest is the payload the automation tool POSTs to register
// an invite mapping.
type inviteMapRequest struct {
	InviteCode string `json:"inviteCode"`
	Firstname  string `json:"firstname"`
}

// API is the automation-facing HTTP server: liveness, invite-mapping
// registration, and the invite-button trigger endpoint.
type API struct {
	config            *APIConfig
	httpServer        *http.Server
	listener          net.Listener
	engine            *gin.Engine
	buttonPostLimiter *rate.Limiter
	requestMetrics    map[string]int
	requestMetricsMu  sync.Mutex
	logger            *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the gin engine, middleware and routes.
func newAPI(c *Clientele, config *APIConfig) *API {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:            config,
		engine:            r,
		requestMetrics:    map[string]int{},
		buttonPostLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:            logger,
	}
	api.handlers = NewAPIHandlers(c)

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiPathRoot, api.handlers.root)
	r.GET(apiHealthCheck, api.handlers.healthCheck)
	r.POST(apiPathInviteMap, api.handlers.inviteMap)
	r.POST(
		apiPathPostInviteButton,
		zapierSecretMiddleware(config, logger),
		api.handlers.postInviteButton,
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	return api
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.Info("API listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the request handlers for the automation API.
type APIHandlers struct {
	c      *Clientele
	logger *slog.Logger
}

func NewAPIHandlers(c *Clientele) *APIHandlers {
	return &APIHandlers{
		c:      c,
		logger: c.logger.With(loggerNameKey, "api_handlers"),
	}
}

// root is the static liveness response the automation tool polls.
func (h *APIHandlers) root(c *gin.Context) {
	c.String(
		http.StatusOK,
		fmt.Sprintf("%s Discord Bot is running.", h.c.config.BusinessName),
	)
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var startedAt time.Time
	if ts := h.c.startedAt.Load(); ts != nil {
		startedAt = *ts
	}
	c.JSON(
		http.StatusOK, gin.H{
			"status":              "ok",
			"discord_connected":   h.c.discord.Connected(),
			"started_at":          startedAt,
			"uptime":              time.Since(startedAt).String(),
			"discord_connects":    h.c.discord.metricConnects.Load(),
			"discord_disconnects": h.c.discord.metricDisconnects.Load(),
			"joins_handled":       h.c.joinsHandled.Load(),
			"invites_created":     h.c.invitesCreated.Load(),
		},
	)
}

// inviteMap registers an inviteCode -> firstname mapping from the
// automation tool.
func (h *APIHandlers) inviteMap(c *gin.Context) {
	logger := ginContextLogger(c)

	var req inviteMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "inviteCode and firstname required"},
		)
		return
	}

	if err := h.c.registry.Register(req.InviteCode, req.Firstname); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "inviteCode and firstname required"},
		)
		return
	}

	logger.Info(
		"mapped invite",
		"code", req.InviteCode,
		"firstname", req.Firstname,
	)
	c.JSON(http.StatusOK, httpReply{Message: "ok"})
}

// postInviteButton posts the 'generate invite' prompt into the configured
// invite-request channel, on behalf of the automation tool.
func (h *APIHandlers) postInviteButton(c *gin.Context) {
	logger := ginContextLogger(c)

	if !h.c.api.buttonPostLimiter.Allow() {
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "too many requests"},
		)
		return
	}

	if !h.c.discord.Connected() {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "discord connection not ready"},
		)
		return
	}

	err := h.c.discord.postInviteButton(
		discordgo.WithContext(c.Request.Context()),
	)
	if err != nil {
		if isDiscordPermissionError(err) {
			logger.Error("bot lacks channel permissions", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				httpError{Error: "missing channel permissions"},
			)
			return
		}
		logger.Error("error posting invite button", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error posting invite prompt"},
		)
		return
	}

	c.JSON(http.StatusOK, httpReply{Message: "ok"})
}

// zapierSecretMiddleware rejects requests whose x-zapier-secret header
// doesn't match the configured shared secret. An unset secret rejects
// everything - the endpoint is opt-in.
func zapierSecretMiddleware(
	config *APIConfig,
	logger *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(xZapierSecretHeader)
		if config.Secret == "" ||
			subtle.ConstantTimeCompare(
				[]byte(secret),
				[]byte(config.Secret),
			) != 1 {
			logger.Warn(
				"rejected button-post request",
				"remote_addr", c.Request.RemoteAddr,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics, keyed on method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}
