package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/hub"
	"github.com/kstaniek/go-secure-can/internal/metrics"
	"github.com/kstaniek/go-secure-can/internal/transport"
)

// readBatch caps frames decoded per read deadline refresh.
const readBatch = 16

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			count, err := s.Codec.DecodeN(conn, readBatch, func(fr can.Frame) { s.forward(fr, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}

// forward passes one client frame to Send. Overflow is expected under load and
// logged at debug; any other failure means the frame could not be secured.
func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTCPRx()
	if s.Send == nil {
		return
	}
	err := s.Send(fr)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTxOverflow):
		s.stats.sendOverflow.Add(1)
		logger.Debug("secure_tx_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
	default:
		wrap := fmt.Errorf("%w: %v", ErrSecureTx, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.stats.sendRejected.Add(1)
		logger.Warn("secure_tx_rejected", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID), "fd", fr.FD)
	}
}
