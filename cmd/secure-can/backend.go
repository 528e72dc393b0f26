package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-secure-can/internal/secure"
	"github.com/kstaniek/go-secure-can/internal/serial"
	"github.com/kstaniek/go-secure-can/internal/socketcan"
)

// Test hooks.
var (
	openSerialPort = serial.Open
	openSocketCAN  = func(iface string, opts socketcan.Options) (secure.Transport, error) {
		d, err := socketcan.Open(iface, opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
)

// openTransport opens the raw frame transport for the configured backend.
func openTransport(cfg *appConfig) (secure.Transport, error) {
	switch cfg.backend {
	case "serial":
		p, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
		}
		return serial.NewTransport(p), nil
	case "socketcan":
		tr, err := openSocketCAN(cfg.canIf, socketcan.Options{FD: cfg.fd, ReceiveOwn: cfg.recvOwn})
		if err != nil {
			return nil, fmt.Errorf("open socketcan %s: %w", cfg.canIf, err)
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|socketcan)", cfg.backend)
	}
}

// keyProvider returns HKDF keys for a configured secret, otherwise the
// address-hash keys every node can compute.
func keyProvider(cfg *appConfig, l *slog.Logger) secure.KeyProvider {
	if len(cfg.secret) == 0 {
		l.Warn("insecure_keys", "reason", "no key-secret configured, using address-hash keys")
		return secure.AddressHashKeys{}
	}
	return secure.HKDFKeys{Secret: cfg.secret, Info: "secure-can"}
}

// openLink opens the transport and joins the bus.
func openLink(cfg *appConfig, l *slog.Logger) (*secure.Link, error) {
	tr, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}
	channel := cfg.canIf
	if cfg.backend == "serial" {
		channel = cfg.serialDev
	}
	link, err := secure.NewLink(tr, secure.Config{
		Channel:            channel,
		ReceiveOwnMessages: cfg.recvOwn,
		FDEnabled:          cfg.fd,
		ClaimedAddresses:   cfg.claimedAddrs,
	}, secure.WithKeys(keyProvider(cfg, l)), secure.WithLogger(l))
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return link, nil
}
