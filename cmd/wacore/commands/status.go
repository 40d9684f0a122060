package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore"
	"github.com/opd-ai/wacore/metrics"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	JID       string `json:"jid,omitempty"`
	LID       string `json:"lid,omitempty"`
	Platform  string `json:"platform,omitempty"`
}

type statusServer struct {
	cli        *wacore.Client
	httpServer *http.Server
}

func newStatusServer(addr string, cli *wacore.Client, m *metrics.Metrics) *statusServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &statusServer{cli: cli}
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// handleStatus handles GET /status
func (s *statusServer) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		State:     s.cli.State().String(),
		Connected: s.cli.IsConnected(),
	}
	if d := s.cli.Device(); d != nil {
		if d.ID != nil {
			resp.JID = d.ID.String()
		}
		if d.LID != nil {
			resp.LID = d.LID.String()
		}
		resp.Platform = d.Platform
	}
	c.JSON(http.StatusOK, resp)
}

func (s *statusServer) run() {
	log := logrus.WithFields(logrus.Fields{
		"function": "statusServer.run",
		"addr":     s.httpServer.Addr,
	})
	log.Info("Serving status")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("Status server stopped")
	}
}

func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}
