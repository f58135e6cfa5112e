// Package httpapi exposes the REST surface: token issuance, board
// snapshots, admin bans, and the websocket upgrade route.
package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paintboard/server/internal/auth"
	"paintboard/server/internal/board"
	"paintboard/server/internal/imaging"
	"paintboard/server/internal/limiter"
	"paintboard/server/internal/paint"
	"paintboard/server/internal/store"
	"paintboard/server/internal/telemetry"
	"paintboard/server/internal/ws"
)

const wsPath = "/api/paintboard/ws"

// Deps carries everything the HTTP surface calls into.
type Deps struct {
	Log      *zap.SugaredLogger
	Board    *board.Board
	Engine   *paint.Engine
	Registry *auth.Registry
	Issuer   *auth.Issuer
	Limits   *limiter.Controller
	Counters *telemetry.Counters
	Hub      *ws.Hub
	Store    store.Store
	BanToken string
}

type handlers struct {
	Deps
}

// NewRouter assembles the gin engine with CORS, the ban middleware, and
// every route.
func NewRouter(deps Deps) *gin.Engine {
	h := &handlers{Deps: deps}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(h.banMiddleware())

	api := r.Group("/api")
	api.GET("", h.banner)
	api.GET("/diagnostics", h.diagnostics)
	api.GET("/paintboard/getboard", h.getBoard)
	api.GET("/paintboard/getimage", h.getImage)
	api.GET("/paintboard/ws", func(c *gin.Context) {
		h.Hub.HandleUpgrade(c.Writer, c.Request)
	})
	api.POST("/auth/gettoken", h.getToken)
	api.POST("/root/banuid", h.banUID)
	api.POST("/root/unbanuid", h.unbanUID)

	return r
}

// banMiddleware sheds requests from banned IPs with 429. The websocket
// route is exempt: the protocol engine closes those with code 1008.
func (h *handlers) banMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == wsPath {
			c.Next()
			return
		}
		if remaining, banned := h.Limits.Banned(c.ClientIP(), time.Now()); banned {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

func (h *handlers) banner(c *gin.Context) {
	c.String(http.StatusOK, "IkaPaintBoard server is running")
}

func (h *handlers) diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"telemetry": h.Counters.Snapshot(),
		"sessions":  h.Hub.SessionCount(),
		"tickRate":  h.Hub.TickRate(),
	})
}

func (h *handlers) getBoard(c *gin.Context) {
	compressed, err := imaging.GzipBytes(h.Board.Snapshot())
	if err != nil {
		h.Log.Errorw("board compression failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Encoding", "gzip")
	c.Data(http.StatusOK, "application/octet-stream", compressed)
}

func (h *handlers) getImage(c *gin.Context) {
	encoded, err := imaging.EncodeWebP(h.Board.Snapshot(), h.Board.Width(), h.Board.Height())
	if err != nil {
		h.Log.Errorw("webp encoding failed", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "image/webp", encoded)
}

type tokenRequest struct {
	UID   int    `json:"uid"`
	Paste string `json:"paste"`
}

func (h *handlers) getToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"statusCode": http.StatusBadRequest})
		return
	}

	token, issueErr := h.Issuer.GenerateToken(c.Request.Context(), req.UID, req.Paste)
	switch issueErr {
	case auth.ErrNone:
		c.JSON(http.StatusOK, gin.H{
			"statusCode": http.StatusOK,
			"data":       gin.H{"token": token},
		})
	case auth.ErrServer:
		c.JSON(http.StatusInternalServerError, gin.H{"statusCode": http.StatusInternalServerError})
	default:
		c.JSON(http.StatusForbidden, gin.H{
			"statusCode": http.StatusForbidden,
			"data":       gin.H{"errorType": string(issueErr)},
		})
	}
}

type adminRequest struct {
	Token string `json:"token"`
	UID   int    `json:"uid"`
}

func (h *handlers) adminAuthorized(c *gin.Context) (adminRequest, bool) {
	var req adminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"statusCode": http.StatusBadRequest})
		return req, false
	}
	if h.BanToken == "" || req.Token != h.BanToken {
		c.JSON(http.StatusUnauthorized, gin.H{"statusCode": http.StatusUnauthorized})
		return req, false
	}
	return req, true
}

func (h *handlers) banUID(c *gin.Context) {
	req, ok := h.adminAuthorized(c)
	if !ok {
		return
	}

	h.Engine.BanUID(req.UID)
	h.Registry.RevokeByUID(req.UID)
	if h.Store != nil {
		if err := h.Store.DeleteTokensByUID(req.UID); err != nil {
			h.Log.Errorw("failed to purge tokens for banned uid", "uid", req.UID, "error", err)
		}
	}
	h.Log.Infow("uid banned", "uid", req.UID)
	c.JSON(http.StatusOK, gin.H{"statusCode": http.StatusOK})
}

func (h *handlers) unbanUID(c *gin.Context) {
	req, ok := h.adminAuthorized(c)
	if !ok {
		return
	}

	h.Engine.UnbanUID(req.UID)
	h.Log.Infow("uid unbanned", "uid", req.UID)
	c.JSON(http.StatusOK, gin.H{"statusCode": http.StatusOK})
}
