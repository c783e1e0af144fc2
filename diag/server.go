package diag

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is a tiny read-only Echo application over a Registry: every route
// it exposes is a GET, and none of them can change pool or stream state.
type Server struct {
	echo *echo.Echo
	reg  *Registry
}

// NewServer builds the Echo app and registers its routes against reg.
func NewServer(reg *Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, reg: reg}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/stats/pools", s.handlePools)
	s.echo.GET("/stats/pools/:id", s.handlePool)
	s.echo.GET("/stats/streams", s.handleStreams)
	s.echo.GET("/stats/streams/:id", s.handleStream)
}

// Run starts the server and blocks until ctx is cancelled or startup fails,
// mirroring the shutdown handshake of the application's own HTTP server.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down diagnostics server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Pools   int    `json:"pools"`
	Streams int    `json:"streams"`
}

func (s *Server) handleHealth(c echo.Context) error {
	pools := s.reg.poolSnapshot()
	streams := s.reg.streamSnapshot()
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Pools:   len(pools),
		Streams: len(streams),
	})
}

func (s *Server) handlePools(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.poolSnapshot())
}

func (s *Server) handlePool(c echo.Context) error {
	p, ok := s.reg.pool(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown pool id")
	}
	return c.JSON(http.StatusOK, reportPool(c.Param("id"), p))
}

func (s *Server) handleStreams(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.streamSnapshot())
}

func (s *Server) handleStream(c echo.Context) error {
	st, ok := s.reg.stream(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown stream id")
	}
	return c.JSON(http.StatusOK, reportStream(c.Param("id"), st))
}
