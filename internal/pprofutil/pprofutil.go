package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"truman/internal/config"
)

const pprofEnv = "TRUMAN_PPROF"

// Server is the debug HTTP listener: /metrics always, /debug/pprof when
// enabled by config or TRUMAN_PPROF=1.
type Server struct {
	srv  *http.Server
	addr string
}

func Start(cfg config.MetricsConfig, metrics http.Handler, log *zap.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.AllowPublic && !isLoopbackBind(cfg.Addr) {
		return nil, fmt.Errorf("metrics.addr must be loopback unless metrics.allow_public is set: %s", cfg.Addr)
	}
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	pprofOn := cfg.Pprof || strings.TrimSpace(os.Getenv(pprofEnv)) == "1"
	if pprofOn {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen failed: %w", err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr: ln.Addr().String(),
	}
	log.Info("debug http enabled", zap.String("addr", s.addr), zap.Bool("pprof", pprofOn))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("debug http stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
