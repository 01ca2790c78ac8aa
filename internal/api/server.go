package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/store"
)

// CredentialStore persists account secrets under their credential key.
type CredentialStore interface {
	Set(key, value string) error
	Delete(key string) error
}

// Server is the local HTTP surface: account management, the per-account
// delta feed, and the syncback queue. It binds to loopback; there is no
// authentication layer.
type Server struct {
	shared    *store.Shared
	mirrors   *store.Mirrors
	scheduler *engine.Scheduler
	creds     CredentialStore
	logger    *logrus.Logger
	router    *gin.Engine
}

func NewServer(shared *store.Shared, mirrors *store.Mirrors, scheduler *engine.Scheduler, creds CredentialStore, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		shared:    shared,
		mirrors:   mirrors,
		scheduler: scheduler,
		creds:     creds,
		logger:    logger,
		router:    gin.New(),
	}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/status", s.status)
	r.GET("/accounts", s.listAccounts)
	r.POST("/accounts", s.createAccount)
	r.PUT("/sync-policy", s.putAllSyncPolicies)

	acct := r.Group("/accounts/:id")
	acct.GET("", s.getAccount)
	acct.DELETE("", s.deleteAccount)
	acct.GET("/delta", s.streamDelta)
	acct.GET("/delta/latest", s.latestDelta)
	acct.POST("/syncback", s.createSyncback)
	acct.GET("/syncback/:reqID", s.getSyncback)
	acct.POST("/syncback/:reqID/cancel", s.cancelSyncback)
	acct.GET("/sync-policy", s.getSyncPolicy)
	acct.PUT("/sync-policy", s.putSyncPolicy)
	acct.POST("/active", s.markActive)
}

// Run serves until ctx is cancelled, then shuts down draining in-flight
// requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.WithField("addr", addr).Info("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"took":   time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	}
}

// mirror resolves the account's mirror database, writing the HTTP error
// itself when the account does not exist.
func (s *Server) mirror(c *gin.Context) (*store.Mirror, bool) {
	id := c.Param("id")
	if _, err := s.shared.GetAccount(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return nil, false
	}
	mirror, err := s.mirrors.Get(id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return mirror, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrTerminalStatus):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
