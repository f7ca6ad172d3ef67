// Package api exposes the HTTP surface: cluster management, config,
// namespace, discovery and console endpoints, all answering the uniform
// {code, msg, data} envelope with HTTP 200. Transport-level errors are
// reserved for things the envelope cannot express.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xgpxg/conreg/pkg/log"
	"github.com/xgpxg/conreg/pkg/manager"
	"github.com/xgpxg/conreg/pkg/metrics"
	"github.com/xgpxg/conreg/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	mgr    *manager.Manager
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the server and its routes.
func NewServer(mgr *manager.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestMetrics())

	s := &Server{mgr: mgr, engine: engine}
	s.registerRoutes()
	return s
}

// Start serves HTTP on addr until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	log.Logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.engine.Group("/api")

	cluster := api.Group("/cluster")
	{
		cluster.POST("/init", s.clusterInit)
		cluster.POST("/write", s.clusterWrite)
		cluster.GET("/read", s.clusterRead)
		cluster.GET("/metrics", s.clusterMetrics)
		admin := cluster.Group("", s.requireAdmin())
		{
			admin.POST("/add-learner", s.clusterAddLearner)
			admin.POST("/change-membership", s.clusterChangeMembership)
			admin.POST("/remove-node", s.clusterRemoveNode)
		}
	}

	// Clients read and watch with namespace auth; everything that
	// mutates or enumerates configs is a console operation.
	config := api.Group("/config")
	{
		config.GET("/get", s.configGet)
		config.GET("/ids", s.configIDs)
		config.GET("/watch", s.configWatch)
		admin := config.Group("", s.requireAdmin())
		{
			admin.POST("/upsert", s.configUpsert)
			admin.POST("/delete", s.configDelete)
			admin.POST("/recover", s.configRecover)
			admin.GET("/list", s.configList)
			admin.GET("/histories", s.configHistories)
			admin.POST("/export", s.configExport)
			admin.POST("/import", s.configImport)
		}
	}

	ns := api.Group("/namespace", s.requireAdmin())
	{
		ns.POST("/upsert", s.namespaceUpsert)
		ns.POST("/delete", s.namespaceDelete)
		ns.GET("/list", s.namespaceList)
	}

	// Instances register and heartbeat with namespace auth; service
	// management and full instance listings are console operations.
	disc := api.Group("/discovery")
	{
		disc.POST("/instance/register", s.instanceRegister)
		disc.POST("/instance/deregister", s.instanceDeregister)
		disc.GET("/instance/available", s.instanceAvailable)
		disc.POST("/heartbeat", s.heartbeat)
		admin := disc.Group("", s.requireAdmin())
		{
			admin.POST("/service/register", s.serviceRegister)
			admin.POST("/service/deregister", s.serviceDeregister)
			admin.GET("/service/list", s.serviceList)
			admin.GET("/instance/list", s.instanceList)
			admin.POST("/instance/offline", s.instanceOffline)
			admin.POST("/instance/online", s.instanceOnline)
		}
	}

	sys := api.Group("/system")
	{
		sys.POST("/login", s.login)
		sys.POST("/logout", s.logout)
		sys.POST("/update_password", s.requireAdmin(), s.updatePassword)
	}
}

// requestMetrics records per-request counters and latency.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(
			c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// requireAdmin rejects requests without a valid console token.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.consoleUser(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				protocol.Error[any]("unauthorized"))
			return
		}
		c.Next()
	}
}

// consoleUser resolves the Bearer token to a console username.
func (s *Server) consoleUser(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return s.mgr.Users.Verify(auth[len(prefix):])
}

// checkNamespaceAuth enforces the namespace token on data-plane
// requests. A request carrying X-Console with a valid console token
// bypasses the namespace check.
func (s *Server) checkNamespaceAuth(c *gin.Context, namespaceID string) bool {
	if c.GetHeader("X-Console") != "" {
		if _, ok := s.consoleUser(c); ok {
			return true
		}
	}
	if err := s.mgr.Namespaces.Auth(namespaceID, c.GetHeader("X-NS-Token")); err != nil {
		// Auth failures are transport-level, not envelope errors.
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.Error[any](err.Error()))
		return false
	}
	return true
}

func ok[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, protocol.Success(data))
}

func fail(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, protocol.Error[any](msg))
}

func pageParams(c *gin.Context) (int, int) {
	pageNum, _ := strconv.Atoi(c.DefaultQuery("page_num", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	return pageNum, pageSize
}
