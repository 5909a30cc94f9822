package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultListenAddress = ":9880"
	defaultMetricsPath   = "/metrics"
	defaultHealthPath    = "/healthz"
	defaultLogLevel      = "info"
	defaultQLen          = 100
	defaultSnapLen       = 4096
	defaultTimeout       = 5 * time.Second
)

// PortSpec names one dataplane attachment: an interface (or virtual
// transport address) bound to a (device, port) pair.
type PortSpec struct {
	Device    int
	Port      int
	Interface string
}

// Config captures runtime configuration options for the capture tool.
type Config struct {
	ListenAddress string
	MetricsPath   string
	HealthPath    string
	LogLevel      slog.Level
	Platform      string
	Ports         []PortSpec
	QLen          int
	SnapLen       int
	PcapFile      string
	ScrapeTimeout time.Duration
	ShowVersion   bool
}

// portSpecList accumulates repeated -port flags.
type portSpecList []PortSpec

func (l *portSpecList) String() string {
	parts := make([]string, 0, len(*l))
	for _, spec := range *l {
		parts = append(parts, fmt.Sprintf("%d-%d@%s", spec.Device, spec.Port, spec.Interface))
	}
	return strings.Join(parts, ",")
}

func (l *portSpecList) Set(value string) error {
	spec, err := ParsePortSpec(value)
	if err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

// ParsePortSpec parses a "device-port@interface" attachment, e.g.
// "0-1@veth0" or "0-1@ipc:///tmp/bmv2-0-notifications.ipc".
func ParsePortSpec(value string) (PortSpec, error) {
	key, iface, ok := strings.Cut(value, "@")
	if !ok || iface == "" {
		return PortSpec{}, fmt.Errorf("invalid port spec %q: want device-port@interface", value)
	}
	deviceStr, portStr, ok := strings.Cut(key, "-")
	if !ok {
		return PortSpec{}, fmt.Errorf("invalid port spec %q: want device-port@interface", value)
	}
	device, err := strconv.Atoi(deviceStr)
	if err != nil || device < 0 {
		return PortSpec{}, fmt.Errorf("invalid device number in port spec %q", value)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return PortSpec{}, fmt.Errorf("invalid port number in port spec %q", value)
	}
	return PortSpec{Device: device, Port: port, Interface: iface}, nil
}

// Parse constructs a Config from command-line flags and environment variables.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("dpcap", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listen := fs.String("listen-address", envOrDefault("DPCAP_LISTEN_ADDRESS", defaultListenAddress), "Address to listen on for HTTP requests.")
	metricsPath := fs.String("metrics-path", envOrDefault("DPCAP_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("DPCAP_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("DPCAP_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	platform := fs.String("platform", envOrDefault("DPCAP_PLATFORM", ""), "Dataplane platform; \"nn\" selects the virtual transport.")
	qlen := fs.Int("qlen", envIntOrDefault("DPCAP_QLEN", defaultQLen), "Per-port packet queue capacity.")
	snapLen := fs.Int("snaplen", envIntOrDefault("DPCAP_SNAPLEN", defaultSnapLen), "Per-receive buffer size in bytes.")
	pcapFile := fs.String("pcap", envOrDefault("DPCAP_PCAP_FILE", ""), "Write captured and injected frames to this pcap file.")

	var envPorts portSpecList
	for _, value := range splitList(os.Getenv("DPCAP_PORTS")) {
		if err := envPorts.Set(value); err != nil {
			return cfg, fmt.Errorf("invalid DPCAP_PORTS: %w", err)
		}
	}
	var ports portSpecList
	fs.Var(&ports, "port", "Port attachment as device-port@interface (repeatable).")

	timeoutDefault := defaultTimeout
	if envTimeout := os.Getenv("DPCAP_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid DPCAP_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering metrics per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}
	if *qlen <= 0 {
		return cfg, fmt.Errorf("invalid qlen %d", *qlen)
	}
	if *snapLen <= 0 {
		return cfg, fmt.Errorf("invalid snaplen %d", *snapLen)
	}
	// flags override the environment
	if len(ports) == 0 {
		ports = envPorts
	}

	cfg = Config{
		ListenAddress: *listen,
		MetricsPath:   *metricsPath,
		HealthPath:    *healthPath,
		LogLevel:      level,
		Platform:      *platform,
		Ports:         ports,
		QLen:          *qlen,
		SnapLen:       *snapLen,
		PcapFile:      *pcapFile,
		ScrapeTimeout: *scrapeTimeout,
		ShowVersion:   *showVersion,
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
