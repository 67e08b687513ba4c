package server

import (
	"context"
	"embed"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/RyoshiTheDev/speedtest-website/internal/app"
	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

var logger = logging.Logger("server")

//go:embed web
var webFS embed.FS

// Tester is the part of app.Tester the HTTP layer drives.
type Tester interface {
	Start() (string, error)
	State() data.SessionState
	Subscribe(fn func(data.SessionState)) (unsubscribe func())
}

type Options struct {
	Tester  Tester
	History *app.History
	// Exposed is how many recent results the history endpoint returns.
	Exposed int
	Debug   bool
	Version string
}

// Server is the web front end: the page, the JSON API and the status socket.
type Server struct {
	router  *gin.Engine
	tester  Tester
	history *app.History
	exposed int
	version string

	hub         *hub
	unsubscribe func()
}

func New(opts Options) (*Server, error) {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), accessLog())

	tmpl, err := template.ParseFS(webFS, "web/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "failed to load page templates")
	}
	router.SetHTMLTemplate(tmpl)

	s := &Server{
		router:  router,
		tester:  opts.Tester,
		history: opts.History,
		exposed: opts.Exposed,
		version: opts.Version,
		hub:     newHub(opts.Tester.State),
	}
	go s.hub.run()
	s.unsubscribe = s.tester.Subscribe(s.hub.publish)

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.POST("/start-test", s.startTest)
		api.GET("/test-status", s.testStatus)
		api.GET("/test-history", s.testHistory)
		api.GET("/ws", s.serveWs)
	}

	s.router.GET("/", s.indexHandler)
	s.router.GET("/health", s.health)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is done, then shuts down,
// giving in-flight requests up to shutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return errors.Wrap(err, "http server stopped")
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	return nil
}

// Close detaches from the tester and disconnects websocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.close()
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"client", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			logger.Warnw("request failed", fields...)
			return
		}
		logger.Debugw("request", fields...)
	}
}
