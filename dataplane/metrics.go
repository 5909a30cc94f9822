package dataplane

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// NetDevStatsProvider fetches ethtool-like statistics for a network device.
type NetDevStatsProvider interface {
	Stats(ctx context.Context, netDev string) (map[string]uint64, error)
}

// Collector implements prometheus.Collector over the engine's per-port
// counters, optionally enriched with interface statistics from an
// ethtool-backed provider.
type Collector struct {
	dp     *DataPlane
	netdev NetDevStatsProvider
	logger *slog.Logger

	rxDesc        *prometheus.Desc
	txDesc        *prometheus.Desc
	queueLenDesc  *prometheus.Desc
	ifaceStatDesc *prometheus.Desc

	scrapeErrors prometheus.Counter
}

// Option configures collector behavior.
type Option func(*Collector)

// WithNetDevStats attaches a per-interface statistics provider.
func WithNetDevStats(provider NetDevStatsProvider) Option {
	return func(c *Collector) {
		c.netdev = provider
	}
}

// NewCollector builds a collector for the engine.
func NewCollector(dp *DataPlane, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		dp:     dp,
		logger: logger,
		rxDesc: prometheus.NewDesc(
			"dataplane_port_rx_packets_total",
			"Frames received on the port, including frames later dropped for queue overflow.",
			[]string{"device", "port", "interface"}, nil,
		),
		txDesc: prometheus.NewDesc(
			"dataplane_port_tx_packets_total",
			"Frames accepted for transmission on the port.",
			[]string{"device", "port", "interface"}, nil,
		),
		queueLenDesc: prometheus.NewDesc(
			"dataplane_port_queue_length",
			"Frames currently buffered for the port.",
			[]string{"device", "port", "interface"}, nil,
		),
		ifaceStatDesc: prometheus.NewDesc(
			"dataplane_interface_stat",
			"Driver statistic for the interface behind a port, as reported by ethtool.",
			[]string{"interface", "stat"}, nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataplane_scrape_errors_total",
			Help: "Errors encountered while gathering dataplane metrics.",
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxDesc
	ch <- c.txDesc
	ch <- c.queueLenDesc
	ch <- c.ifaceStatDesc
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	seen := make(map[string]bool)
	for _, pc := range c.dp.Snapshot() {
		device := strconv.Itoa(pc.ID.Device)
		port := strconv.Itoa(pc.ID.Port)
		ch <- prometheus.MustNewConstMetric(c.rxDesc, prometheus.CounterValue,
			float64(pc.Rx), device, port, pc.Interface)
		ch <- prometheus.MustNewConstMetric(c.txDesc, prometheus.CounterValue,
			float64(pc.Tx), device, port, pc.Interface)
		ch <- prometheus.MustNewConstMetric(c.queueLenDesc, prometheus.GaugeValue,
			float64(pc.QueueLen), device, port, pc.Interface)

		if c.netdev == nil || pc.Interface == "" || seen[pc.Interface] {
			continue
		}
		seen[pc.Interface] = true
		stats, err := c.netdev.Stats(context.Background(), pc.Interface)
		if err != nil {
			c.logger.Warn("interface stats unavailable", "interface", pc.Interface, "err", err)
			c.scrapeErrors.Inc()
			continue
		}
		for name, value := range stats {
			ch <- prometheus.MustNewConstMetric(c.ifaceStatDesc, prometheus.GaugeValue,
				float64(value), pc.Interface, name)
		}
	}
	c.scrapeErrors.Collect(ch)
}
