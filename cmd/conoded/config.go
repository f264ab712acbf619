package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/conode-linux/conode/internal/gateway"
)

// appConfig is the flag+env-override configuration of SPEC_FULL.md §6,
// grounded on cmd/can-server/config.go's flag-then-env precedence
// pattern.
type appConfig struct {
	iface             string
	nodeID            uint8
	rtPriority        int
	rebootOnResetApp  bool
	storagePrefix     string
	gatewayMode       gateway.Mode
	gatewayAddr       string
	gatewayIdleMS     int
	mdnsEnable        bool
	mdnsName          string
	logFormat         string
	logLevel          string
	metricsAddr       string
	logMetricsEvery   time.Duration
	intervalUS        uint32
	heartbeatPeriodMS int
	syncPeriodMS      int
	syncCounterMax    int
	timePeriodMS      int
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	iface := flag.String("i", "can0", "CAN interface (positional <can-device> alias)")
	nodeID := flag.Int("node-id", 1, "Node-id: 1..127 or 255 (0xFF = unconfigured, requires LSS)")
	rtPriority := flag.Int("p", -1, "RT thread real-time priority; -1 = normal scheduler")
	reboot := flag.Bool("r", false, "On NMT reset-app: sync + reboot")
	storagePrefix := flag.String("s", "", "Prefix for storage filenames (default cwd)")
	gatewaySpec := flag.String("c", "", "Gateway: stdio | local-<path> | tcp-<port> (default disabled)")
	idleMS := flag.Int("T", 0, "Gateway idle timeout in ms (socket modes); 0 = none")
	mdnsEnable := flag.Bool("m", false, "Enable mDNS advertisement of a TCP gateway")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default conode-<node>-<hostname>)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	intervalUS := flag.Int("interval-us", 1000, "Mainline event-loop periodic tick interval, microseconds")
	heartbeatMS := flag.Int("heartbeat-period-ms", 1000, "Heartbeat producer period, milliseconds")
	syncMS := flag.Int("sync-period-ms", 0, "SYNC producer period, milliseconds; 0 disables")
	syncCounterMax := flag.Int("sync-counter-max", 0, "SYNC counter rollover; 0 = no counter byte")
	timeMS := flag.Int("time-period-ms", 0, "TIME producer period, milliseconds; 0 disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if flag.NArg() > 0 {
		*iface = flag.Arg(0)
	}

	cfg.iface = *iface
	cfg.nodeID = uint8(*nodeID)
	cfg.rtPriority = *rtPriority
	cfg.rebootOnResetApp = *reboot
	cfg.storagePrefix = *storagePrefix
	cfg.gatewayIdleMS = *idleMS
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.intervalUS = uint32(*intervalUS)
	cfg.heartbeatPeriodMS = *heartbeatMS
	cfg.syncPeriodMS = *syncMS
	cfg.syncCounterMax = *syncCounterMax
	cfg.timePeriodMS = *timeMS

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}

	mode, addr, err := parseGatewaySpec(*gatewaySpec)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	cfg.gatewayMode = mode
	cfg.gatewayAddr = addr

	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// parseGatewaySpec implements spec.md §6's -c grammar.
func parseGatewaySpec(spec string) (gateway.Mode, string, error) {
	switch {
	case spec == "":
		return gateway.Disabled, "", nil
	case spec == "stdio":
		return gateway.Stdio, "", nil
	case strings.HasPrefix(spec, "local-"):
		path := strings.TrimPrefix(spec, "local-")
		if path == "" {
			return gateway.Disabled, "", fmt.Errorf("local- gateway requires a path")
		}
		return gateway.Unix, path, nil
	case strings.HasPrefix(spec, "tcp-"):
		portStr := strings.TrimPrefix(spec, "tcp-")
		if _, err := strconv.Atoi(portStr); err != nil {
			return gateway.Disabled, "", fmt.Errorf("tcp- gateway requires a numeric port: %w", err)
		}
		return gateway.TCP, ":" + portStr, nil
	default:
		return gateway.Disabled, "", fmt.Errorf("invalid -c %q: want stdio|local-<path>|tcp-<port>", spec)
	}
}

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
	if c.nodeID == 0 || (c.nodeID > 127 && c.nodeID != 0xFF) {
		return fmt.Errorf("node-id must be 1..127 or 255, got %d", c.nodeID)
	}
	if c.rtPriority != -1 && (c.rtPriority < 1 || c.rtPriority > 99) {
		return fmt.Errorf("-p must be 1..99 or -1, got %d", c.rtPriority)
	}
	if c.gatewayIdleMS < 0 {
		return fmt.Errorf("-T must be >= 0")
	}
	if c.intervalUS == 0 {
		return fmt.Errorf("interval-us must be > 0")
	}
	if c.heartbeatPeriodMS < 0 || c.syncPeriodMS < 0 || c.timePeriodMS < 0 {
		return fmt.Errorf("period flags must be >= 0")
	}
	if c.syncCounterMax > 240 {
		return fmt.Errorf("sync-counter-max must be <= 240 (CiA 301 overflow reserve)")
	}
	return nil
}

// applyEnvOverrides maps CONODE_* environment variables to config fields
// unless the corresponding flag was explicitly set, mirroring
// cmd/can-server/config.go's CAN_SERVER_* precedence rule.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["i"]; !ok {
		if v, ok := get("CONODE_IFACE"); ok && v != "" {
			c.iface = v
		}
	}
	if _, ok := set["node-id"]; !ok {
		if v, ok := get("CONODE_NODE_ID"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 255 {
				c.nodeID = uint8(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CONODE_NODE_ID: %w", err)
			}
		}
	}
	if _, ok := set["s"]; !ok {
		if v, ok := get("CONODE_STORAGE_PREFIX"); ok {
			c.storagePrefix = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CONODE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CONODE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CONODE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["m"]; !ok {
		if v, ok := get("CONODE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CONODE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CONODE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CONODE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
