package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-secure-can/internal/cnl"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

const keepAlivePeriod = 30 * time.Second

// admit tunes a fresh connection, runs the cannelloni hello exchange and
// enforces the client limit. The caller closes conn when admit returns false.
func (s *Server) admit(ctx context.Context, conn net.Conn, logger *slog.Logger) bool {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		s.stats.handshakeFail.Add(1)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		logger.Warn("handshake_failed", "error", wrap)
		return false
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		s.stats.rejected.Add(1)
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		return false
	}
	return true
}
