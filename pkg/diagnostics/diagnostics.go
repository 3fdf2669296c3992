// Package diagnostics observes transport metrics without touching channel state: it samples
// value copies of every connection's counters into a bounded per-client history and exposes
// them as Prometheus metrics, a JSON debug endpoint and a plain-text table.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap"
)

// MetricsSource yields copies of connection counters. *transport.Server, *gameserver.Server
// and *gameclient.Client implement it.
type MetricsSource interface {
	ConnectionMetrics() []transport.ConnectionMetrics
}

type Sample struct {
	At             time.Time     `json:"at"`
	RTT            time.Duration `json:"rtt_ns"`
	UnreliableLoss float64       `json:"unreliable_loss"`
	ReliableLoss   float64       `json:"reliable_loss"`
	BytesInPerSec  float64       `json:"bytes_in_per_sec"`
	BytesOutPerSec float64       `json:"bytes_out_per_sec"`
	StaleDrops     uint64        `json:"stale_drops"`
}

type Params struct {
	Source         MetricsSource
	SampleInterval time.Duration
	HistoryLength  int

	// Optional; adds simulation gauges to the collector.
	Simulation func() simulation.Stats

	Logger *zap.Logger
	Now    func() time.Time
}

type history struct {
	samples []Sample
	next    int
	full    bool
	last    transport.ConnectionMetrics
	lastAt  time.Time
}

func (h *history) push(s Sample) {
	h.samples[h.next] = s
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) ordered() []Sample {
	if !h.full {
		return slices.Clone(h.samples[:h.next])
	}
	return append(slices.Clone(h.samples[h.next:]), h.samples[:h.next]...)
}

type Visualizer struct {
	params Params
	log    *zap.Logger

	mut_histories sync.RWMutex
	histories     map[uint64]*history

	descRTT        *prometheus.Desc
	descLoss       *prometheus.Desc
	descBytes      *prometheus.Desc
	descStale      *prometheus.Desc
	descRetransmit *prometheus.Desc
	descConns      *prometheus.Desc
	descTick       *prometheus.Desc
	descInputs     *prometheus.Desc
}

func NewVisualizer(params Params) *Visualizer {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.SampleInterval <= 0 {
		params.SampleInterval = 100 * time.Millisecond
	}
	if params.HistoryLength <= 0 {
		params.HistoryLength = 200
	}
	if params.Now == nil {
		params.Now = time.Now
	}

	return &Visualizer{
		params:    params,
		log:       logger.With(zap.String("handler", "Diagnostics")),
		histories: make(map[uint64]*history),

		descRTT:        prometheus.NewDesc("netsync_connection_rtt_seconds", "Smoothed round-trip time.", []string{"client_id"}, nil),
		descLoss:       prometheus.NewDesc("netsync_channel_loss_ratio", "Estimated loss rate per channel.", []string{"client_id", "channel"}, nil),
		descBytes:      prometheus.NewDesc("netsync_connection_bytes_total", "Bytes on the wire.", []string{"client_id", "direction"}, nil),
		descStale:      prometheus.NewDesc("netsync_channel_stale_drops_total", "Frames dropped as stale or duplicate.", []string{"client_id", "channel"}, nil),
		descRetransmit: prometheus.NewDesc("netsync_channel_retransmits_total", "Reliable frames sent again.", []string{"client_id"}, nil),
		descConns:      prometheus.NewDesc("netsync_connections", "Live connections.", nil, nil),
		descTick:       prometheus.NewDesc("netsync_simulation_tick", "Current simulation tick.", nil, nil),
		descInputs:     prometheus.NewDesc("netsync_simulation_inputs_total", "Player inputs by outcome.", []string{"outcome"}, nil),
	}
}

func staleDrops(m transport.ConnectionMetrics) uint64 {
	var total uint64
	for _, ch := range m.Channels {
		total += ch.StaleDrops + ch.Duplicates
	}
	return total
}

// Sample records one data point per live connection and forgets connections that are gone.
func (v *Visualizer) Sample() {
	now := v.params.Now()
	metrics := v.params.Source.ConnectionMetrics()

	v.mut_histories.Lock()
	defer v.mut_histories.Unlock()

	live := make(map[uint64]struct{}, len(metrics))
	for _, m := range metrics {
		live[m.ClientID] = struct{}{}
		h, has := v.histories[m.ClientID]
		if !has {
			h = &history{samples: make([]Sample, v.params.HistoryLength)}
			v.histories[m.ClientID] = h
		}

		s := Sample{
			At:             now,
			RTT:            m.RTT,
			UnreliableLoss: m.LossRate(message.ChannelType_Unreliable),
			ReliableLoss:   m.LossRate(message.ChannelType_ReliableOrdered),
			StaleDrops:     staleDrops(m),
		}
		if !h.lastAt.IsZero() {
			if elapsed := now.Sub(h.lastAt).Seconds(); elapsed > 0 {
				s.BytesInPerSec = float64(m.BytesReceived()-h.last.BytesReceived()) / elapsed
				s.BytesOutPerSec = float64(m.BytesSent()-h.last.BytesSent()) / elapsed
			}
		}
		h.last = m
		h.lastAt = now
		h.push(s)
	}
	for id := range v.histories {
		if _, has := live[id]; !has {
			delete(v.histories, id)
		}
	}
}

// Start samples every SampleInterval until ctx is cancelled.
func (v *Visualizer) Start(ctx context.Context) error {
	ticker := time.NewTicker(v.params.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.Sample()
		}
	}
}

// History returns the samples for one client, oldest first.
func (v *Visualizer) History(clientID uint64) []Sample {
	v.mut_histories.RLock()
	defer v.mut_histories.RUnlock()
	h, has := v.histories[clientID]
	if !has {
		return nil
	}
	return h.ordered()
}

func (v *Visualizer) Clients() []uint64 {
	v.mut_histories.RLock()
	defer v.mut_histories.RUnlock()
	ids := make([]uint64, 0, len(v.histories))
	for id := range v.histories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (v *Visualizer) latest() map[uint64]Sample {
	v.mut_histories.RLock()
	defer v.mut_histories.RUnlock()
	out := make(map[uint64]Sample, len(v.histories))
	for id, h := range v.histories {
		idx := h.next - 1
		if idx < 0 {
			if !h.full {
				continue
			}
			idx = len(h.samples) - 1
		}
		out[id] = h.samples[idx]
	}
	return out
}

// Render writes the latest sample of every client as an aligned text table.
func (v *Visualizer) Render(w io.Writer) error {
	latest := v.latest()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "client\trtt\tloss(u)\tloss(r)\tin KB/s\tout KB/s\tstale\t")
	for _, id := range v.Clients() {
		s, has := latest[id]
		if !has {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%.1f%%\t%.1f%%\t%.2f\t%.2f\t%d\t\n",
			id, s.RTT.Round(100*time.Microsecond), s.UnreliableLoss*100, s.ReliableLoss*100,
			s.BytesInPerSec/1024, s.BytesOutPerSec/1024, s.StaleDrops)
	}
	return tw.Flush()
}

func (v *Visualizer) Describe(ch chan<- *prometheus.Desc) {
	ch <- v.descRTT
	ch <- v.descLoss
	ch <- v.descBytes
	ch <- v.descStale
	ch <- v.descRetransmit
	ch <- v.descConns
	if v.params.Simulation != nil {
		ch <- v.descTick
		ch <- v.descInputs
	}
}

func (v *Visualizer) Collect(ch chan<- prometheus.Metric) {
	metrics := v.params.Source.ConnectionMetrics()
	ch <- prometheus.MustNewConstMetric(v.descConns, prometheus.GaugeValue, float64(len(metrics)))

	for _, m := range metrics {
		id := strconv.FormatUint(m.ClientID, 10)
		ch <- prometheus.MustNewConstMetric(v.descRTT, prometheus.GaugeValue, m.RTT.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(v.descBytes, prometheus.CounterValue, float64(m.BytesReceived()), id, "in")
		ch <- prometheus.MustNewConstMetric(v.descBytes, prometheus.CounterValue, float64(m.BytesSent()), id, "out")
		ch <- prometheus.MustNewConstMetric(v.descRetransmit, prometheus.CounterValue,
			float64(m.Channels[message.ChannelType_ReliableOrdered].Retransmits), id)
		for _, channel := range message.DataChannels {
			ch <- prometheus.MustNewConstMetric(v.descLoss, prometheus.GaugeValue, m.LossRate(channel), id, channel.String())
			c := m.Channels[channel]
			ch <- prometheus.MustNewConstMetric(v.descStale, prometheus.CounterValue, float64(c.StaleDrops+c.Duplicates), id, channel.String())
		}
	}

	if v.params.Simulation != nil {
		stats := v.params.Simulation()
		ch <- prometheus.MustNewConstMetric(v.descTick, prometheus.GaugeValue, float64(stats.Tick))
		ch <- prometheus.MustNewConstMetric(v.descInputs, prometheus.CounterValue, float64(stats.Integrated), "integrated")
		ch <- prometheus.MustNewConstMetric(v.descInputs, prometheus.CounterValue, float64(stats.StaleDrops), "stale")
		ch <- prometheus.MustNewConstMetric(v.descInputs, prometheus.CounterValue, float64(stats.QueueDrops), "queue_overflow")
	}
}

type debugClient struct {
	ClientID uint64   `json:"client_id"`
	Samples  []Sample `json:"samples"`
}

func (v *Visualizer) serveDebug(w http.ResponseWriter, r *http.Request) {
	var out []debugClient
	for _, id := range v.Clients() {
		out = append(out, debugClient{ClientID: id, Samples: v.History(id)})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		v.log.Debug("Failed to write debug response", zap.Error(err))
	}
}

// Register mounts /metrics (on a dedicated registry holding this collector) and
// /debug/netsync on mux.
func (v *Visualizer) Register(mux *http.ServeMux) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(v); err != nil {
		return err
	}
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/netsync", v.serveDebug)
	return nil
}
