package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/keyfort/keyfort/config"
	"github.com/keyfort/keyfort/services/logging"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Server owns the echo instance and its listen lifecycle. Routes are
// registered by the api package before Start.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger *logging.Service
}

func New(cfg *config.Config, logger *logging.Service) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Rate limiting and audit entries key on the client IP, so only
	// honour forwarded headers from proxies we actually trust.
	if ranges := trustedRanges(cfg.Server.TrustedProxies, logger); len(ranges) > 0 {
		e.IPExtractor = echo.ExtractIPFromXFFHeader(ranges...)
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	return &Server{
		echo:   e,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Server.Host, s.cfg.Server.Port)
	if s.logger != nil {
		s.logger.Info("starting server", zap.String("addr", addr))
	}

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("shutting down server")
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) Get(path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) {
	s.echo.GET(path, handler, middleware...)
}

func (s *Server) Post(path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) {
	s.echo.POST(path, handler, middleware...)
}

func (s *Server) Delete(path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) {
	s.echo.DELETE(path, handler, middleware...)
}

func (s *Server) Group(prefix string) *echo.Group {
	return s.echo.Group(prefix)
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func trustedRanges(proxies []string, logger *logging.Service) []echo.TrustOption {
	var ranges []echo.TrustOption
	for _, proxy := range proxies {
		_, network, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				if logger != nil {
					logger.Warn("ignoring invalid trusted proxy", zap.String("proxy", proxy))
				}
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		ranges = append(ranges, echo.TrustIPRange(network))
	}
	return ranges
}
