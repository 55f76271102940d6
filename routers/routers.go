package routers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/penggy/cors"
	"github.com/teris-io/shortid"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/sweeper"
	"github.com/yusiwen/streamctl/telemetry"
	"github.com/yusiwen/streamctl/utils"
)

/**
 * @apiDefine simpleSuccess
 * @apiSuccessExample 成功
 * HTTP/1.1 200 OK
 */

/**
 * @apiDefine apiError
 * @apiError (4xx/5xx) {String} error 错误描述
 */

var (
	BuildVersion  = "v1.0"
	BuildDateTime = ""
)

// Router is the root handler served by main.
var Router *gin.Engine

type APIHandler struct {
	Ctl         *controller.Controller
	Sweeper     *sweeper.Sweeper
	Stats       *telemetry.Store
	History     *telemetry.History
	AgentToken  string
	RestartChan chan bool
}

var API = &APIHandler{
	RestartChan: make(chan bool),
}

// Deps are the services the handlers drive.
type Deps struct {
	Controller *controller.Controller
	Sweeper    *sweeper.Sweeper
	Stats      *telemetry.Store
	History    *telemetry.History
}

func Init(d Deps) (err error) {
	API.Ctl = d.Controller
	API.Sweeper = d.Sweeper
	API.Stats = d.Stats
	API.History = d.History
	API.AgentToken = utils.Conf().GetString("agent.token")
	Router = NewRouter(API)
	return
}

// NewRouter wires every route of h onto a fresh engine.
func NewRouter(h *APIHandler) *gin.Engine {
	if utils.Debug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "PUT", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type", "X-Agent-Token"},
		ExposeHeaders:    []string{"X-Request-Id"},
		MaxAge:           50 * time.Second,
		AllowCredentials: true,
	}))
	if utils.Conf().GetBool("http.enable_pprof") {
		pprof.Register(r)
	}
	r.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path)})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.POST("/restart", h.Restart)
		api.POST("/sweep", h.Sweep)

		api.GET("/streams", h.StreamList)
		api.POST("/streams", h.StreamCreate)
		api.GET("/streams/:id", h.StreamGet)
		api.PUT("/streams/:id", h.StreamUpdate)
		api.DELETE("/streams/:id", h.StreamDelete)
		api.POST("/streams/:id/start", h.StreamStart)
		api.POST("/streams/:id/stop", h.StreamStop)
		api.POST("/streams/:id/update", h.StreamLiveUpdate)
		api.GET("/streams/:id/progress", h.StreamProgress)
		api.GET("/streams/:id/commands", h.StreamCommands)

		api.GET("/commands", h.CommandList)

		api.GET("/vps", h.VpsList)
		api.POST("/vps", h.VpsCreate)
		api.POST("/vps/kill-all", h.KillAll)
		api.GET("/vps/:id/stats", h.VpsStats)
		api.PUT("/vps/:id/status", h.VpsSetStatus)
		api.POST("/vps/:id/recompute", h.VpsRecompute)
	}

	agent := r.Group("/api/vps", AgentAuth(h.AgentToken))
	{
		agent.POST("/vps-stats", h.VpsStatsWebhook)
		agent.POST("/stream-status", h.StreamStatusWebhook)
		agent.POST("/stream-progress", h.StreamProgressWebhook)
	}
	return r
}

// RequestID tags every request with a short id, echoed in X-Request-Id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = shortid.MustGenerate()
		}
		c.Set("requestId", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := log.Fields{
			"requestId": c.GetString("requestId"),
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}
		switch {
		case c.Writer.Status() >= 500:
			log.ErrorWithFields("request failed", fields)
		case c.Writer.Status() >= 400:
			log.WarnWithFields("request rejected", fields)
		default:
			log.WithFields(fields).Debug("request")
		}
	}
}

// AgentAuth checks the shared agent secret; an empty token disables the check.
func AgentAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("X-Agent-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid agent token"})
			return
		}
		c.Next()
	}
}

/**
 * @api {get} /api/v1/health 健康检查
 * @apiGroup sys
 * @apiName Health
 * @apiSuccess (200) {String} status ok
 * @apiSuccess (200) {String} version 版本
 */
func (h *APIHandler) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "ok",
		"version":   BuildVersion,
		"buildTime": BuildDateTime,
		"time":      h.Ctl.Now().Unix(),
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if sqlDB, err := h.Ctl.DB().DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "database unavailable"
	}
	c.IndentedJSON(status, body)
}

/**
 * @api {post} /api/v1/restart 重新加载配置并重启服务
 * @apiGroup sys
 * @apiName Restart
 * @apiUse simpleSuccess
 */
func (h *APIHandler) Restart(c *gin.Context) {
	log.Info("restart requested")
	select {
	case h.RestartChan <- true:
		c.IndentedJSON(http.StatusOK, "OK")
	default:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "restart already in progress"})
	}
}

/**
 * @api {post} /api/v1/sweep 立即执行一次巡检
 * @apiGroup sys
 * @apiName Sweep
 * @apiSuccess (200) {Array} stuck_stopping 卡在STOPPING被修复的流
 * @apiSuccess (200) {Array} stuck_starting 卡在STARTING被修复的流
 * @apiSuccess (200) {Array} scheduled_stops 按计划停止的流
 * @apiSuccess (200) {Array} scheduled_starts 按计划启动的流
 * @apiSuccess (200) {Number} relayed 重发的指令数
 * @apiSuccess (200) {Number} abandoned 放弃的指令数
 * @apiSuccess (200) {Number} superseded 因状态变化作废的指令数
 * @apiUse apiError
 */
func (h *APIHandler) Sweep(c *gin.Context) {
	if h.Sweeper == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper disabled"})
		return
	}
	report, err := h.Sweeper.RunOnce(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, report)
}
