package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/cnl"
	"github.com/kstaniek/go-secure-can/internal/gateway"
	"github.com/kstaniek/go-secure-can/internal/metrics"
	"github.com/kstaniek/go-secure-can/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("secure-can %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	link, err := openLink(cfg, l)
	if err != nil {
		l.Error("link_init_error", "error", err)
		os.Exit(1)
	}
	h := initHub(cfg, l)
	gw := gateway.New(link, h,
		gateway.WithRecvTimeout(cfg.recvTimeout),
		gateway.WithAlertRate(cfg.alertRate, int(cfg.alertRate)+1),
		gateway.WithLogger(l),
	)
	gw.Start(ctx)
	startTalker(ctx, gw, cfg, l, &wg)

	var srv *server.Server
	if cfg.listenAddr != "" {
		srv = server.NewServer(
			server.WithHub(h),
			server.WithCodec(&cnl.Codec{}),
			server.WithSend(gw.SendFrame),
			server.WithFrameFilter(func(fr *can.Frame) bool { return fr.CANID&can.CAN_EFF_FLAG != 0 }),
			server.WithLogger(l),
			server.WithMaxClients(cfg.maxClients),
			server.WithHandshakeTimeout(cfg.handshakeTO),
			server.WithReadDeadline(cfg.clientReadTO),
		)
		srv.SetListenAddr(cfg.listenAddr)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tcp_server_error", "error", err)
				cancel()
			}
		}()
		go advertise(ctx, cfg, srv, gw.LocalAddress(), l)
	}

	// Ready while the link is up and, when serving, the listener is bound.
	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tcp_shutdown_error", "error", err)
		}
		scancel()
	}
	wg.Wait()
	if err := gw.Close(); err != nil {
		l.Warn("link_close_error", "error", err)
	}
}

// advertise registers the bridge via mDNS once the listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, address uint8, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port := listenPort(srv.Addr())
	cleanup, err := startMDNS(ctx, cfg, port, address)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
	<-ctx.Done()
	cleanup()
}

// listenPort extracts the port of a bound address (host:port or :port).
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
