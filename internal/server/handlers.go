package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/RyoshiTheDev/speedtest-website/internal/app"
)

func (s *Server) indexHandler(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Version": s.version,
		"Exposed": s.exposed,
	})
}

func (s *Server) startTest(c *gin.Context) {
	runID, err := s.tester.Start()
	switch {
	case errors.Is(err, app.ErrAlreadyRunning):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Test already running"})
		return
	case errors.Is(err, app.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
		return
	case err != nil:
		logger.Errorf("failed to start test: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "started", "run_id": runID})
}

func (s *Server) testStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.tester.State())
}

func (s *Server) testHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": s.history.Recent(s.exposed)})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
