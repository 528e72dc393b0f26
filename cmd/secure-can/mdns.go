package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_secure-can._tcp"

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("secure-can-%s", host)
}

func mdnsMeta(cfg *appConfig, address uint8) []string {
	return []string{
		"address=" + strconv.Itoa(int(address)),
		"fd=" + strconv.FormatBool(cfg.fd),
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS registers the TCP bridge via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int, address uint8) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsMeta(cfg, address), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() {
		close(done)
		time.Sleep(50 * time.Millisecond)
	}, nil
}
