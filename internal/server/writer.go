package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/hub"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// startWriter launches the goroutine pushing accepted frames to one client,
// batching up to batchSize frames or flushInterval.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropClient(conn, cl, logger)
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() bool {
			err := s.writeBatch(conn, batch)
			batch = batch[:0]
			return err == nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize && !flush() {
					return
				}
			case <-t.C:
				if !flush() {
					return
				}
			case <-cl.Closed:
				flush()
				return
			case <-ctxDone:
				flush()
				return
			}
		}
	}()
}

// writeBatch encodes batch onto conn within writeTimeout.
func (s *Server) writeBatch(conn net.Conn, batch []can.Frame) error {
	if len(batch) == 0 {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := s.Codec.EncodeTo(conn, batch); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	metrics.AddTCPTx(len(batch))
	return nil
}

func (s *Server) dropClient(conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	_ = conn.Close()
	if s.Hub != nil {
		s.Hub.Remove(cl)
	}
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.stats.disconnected.Add(1)
	logger.Info("client_disconnected")
}
