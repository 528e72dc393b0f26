package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-secure-can/internal/secure"
)

type appConfig struct {
	backend      string
	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	fd           bool
	recvOwn      bool
	claimed      string
	keySecret    string
	recvTimeout  time.Duration

	listenAddr   string
	hubBuffer    int
	hubPolicy    string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration

	talkDst      string
	talkPriority int
	talkInterval time.Duration
	talkCount    int
	alertRate    float64

	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	// filled by validate
	claimedAddrs []uint8
	talkAddrs    []uint8
	secret       []byte
}

const envPrefix = "SECURE_CAN_"

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	fs := flag.CommandLine
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path (when --backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.BoolVar(&cfg.fd, "fd", false, "Enable CAN FD frames (socketcan only)")
	fs.BoolVar(&cfg.recvOwn, "recv-own", false, "Receive and verify frames sent by this node")
	fs.StringVar(&cfg.claimed, "claimed", "", "Comma separated addresses already in use on the bus")
	fs.StringVar(&cfg.keySecret, "key-secret", "", "Hex pre-shared secret for HKDF node keys; empty uses insecure address-hash keys")
	fs.DurationVar(&cfg.recvTimeout, "recv-timeout", 50*time.Millisecond, "Link receive poll timeout")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address for cannelloni clients; empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.StringVar(&cfg.talkDst, "talk-dst", "", "Comma separated destinations for periodic counter messages; empty disables")
	fs.IntVar(&cfg.talkPriority, "talk-priority", 5, "Priority of talker messages (0 highest)")
	fs.DurationVar(&cfg.talkInterval, "talk-interval", time.Second, "Interval between talker messages")
	fs.IntVar(&cfg.talkCount, "talk-count", 0, "Number of talker messages (0 = until shutdown)")
	fs.Float64Var(&cfg.alertRate, "alert-rate", 5, "Max forged/replay warnings logged per second (0 = unlimited)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement of the TCP bridge")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default secure-can-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// parseAddrList parses "1, 2,3" into bus addresses.
func parseAddrList(s string) ([]uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []uint8
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", part, err)
		}
		if n < 0 || n > secure.MaxAddress {
			return nil, fmt.Errorf("address %d outside 0..%d", n, secure.MaxAddress)
		}
		out = append(out, uint8(n))
	}
	return out, nil
}

// validate performs semantic validation and fills the parsed fields.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
	case "serial":
		if c.fd {
			return errors.New("fd requires the socketcan backend")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.recvTimeout <= 0 {
		return errors.New("recv-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.alertRate < 0 {
		return errors.New("alert-rate must be >= 0")
	}
	var err error
	if c.claimedAddrs, err = parseAddrList(c.claimed); err != nil {
		return fmt.Errorf("invalid claimed: %w", err)
	}
	if len(c.claimedAddrs) > secure.MaxAddress {
		return errors.New("claimed leaves no free address")
	}
	if c.talkAddrs, err = parseAddrList(c.talkDst); err != nil {
		return fmt.Errorf("invalid talk-dst: %w", err)
	}
	if len(c.talkAddrs) > secure.MaxDestinations {
		return fmt.Errorf("talk-dst takes at most %d addresses", secure.MaxDestinations)
	}
	if len(c.talkAddrs) > 0 {
		if c.talkPriority < 0 || c.talkPriority > secure.MaxPriority {
			return fmt.Errorf("talk-priority must be 0..%d", secure.MaxPriority)
		}
		if c.talkInterval <= 0 {
			return errors.New("talk-interval must be > 0")
		}
		if c.talkCount < 0 {
			return errors.New("talk-count must be >= 0")
		}
		if !c.fd && talkPayloadLen > secure.MaxPayload(len(c.talkAddrs), false) {
			return fmt.Errorf("talk-dst with %d addresses needs an FD frame; enable fd or use fewer destinations", len(c.talkAddrs))
		}
	}
	c.secret = nil
	if c.keySecret != "" {
		if c.secret, err = hex.DecodeString(c.keySecret); err != nil {
			return fmt.Errorf("invalid key-secret: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides maps SECURE_CAN_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored
// except for metrics-addr, listen and key-secret where empty disables.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// lookup returns the env value for flag name unless the flag was set.
	lookup := func(name string, allowEmpty bool) (string, bool) {
		if _, ok := set[name]; ok {
			return "", false
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		if !ok || (v == "" && !allowEmpty) {
			return "", false
		}
		return v, true
	}
	str := func(name string, dst *string, allowEmpty bool) {
		if v, ok := lookup(name, allowEmpty); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name, false); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				note(fmt.Errorf("invalid %s%s: %w", envPrefix, envName(name), err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name, false); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				note(fmt.Errorf("invalid %s%s: %w", envPrefix, envName(name), err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name, false); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				note(fmt.Errorf("invalid %s%s: %q", envPrefix, envName(name), v))
			}
		}
	}

	str("backend", &c.backend, false)
	str("can-if", &c.canIf, false)
	str("serial", &c.serialDev, false)
	num("baud", &c.baud)
	dur("serial-read-timeout", &c.serialReadTO)
	boolean("fd", &c.fd)
	boolean("recv-own", &c.recvOwn)
	str("claimed", &c.claimed, true)
	str("key-secret", &c.keySecret, true)
	dur("recv-timeout", &c.recvTimeout)
	str("listen", &c.listenAddr, true)
	num("hub-buffer", &c.hubBuffer)
	str("hub-policy", &c.hubPolicy, false)
	num("max-clients", &c.maxClients)
	dur("handshake-timeout", &c.handshakeTO)
	dur("client-read-timeout", &c.clientReadTO)
	str("talk-dst", &c.talkDst, true)
	num("talk-priority", &c.talkPriority)
	dur("talk-interval", &c.talkInterval)
	num("talk-count", &c.talkCount)
	if v, ok := lookup("alert-rate", false); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.alertRate = f
		} else {
			note(fmt.Errorf("invalid %sALERT_RATE: %w", envPrefix, err))
		}
	}
	str("metrics-addr", &c.metricsAddr, true)
	str("log-format", &c.logFormat, false)
	str("log-level", &c.logLevel, false)
	dur("log-metrics-interval", &c.logMetricsEvery)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName, false)
	return firstErr
}

func envName(flagName string) string {
	return strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
