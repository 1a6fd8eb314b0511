package collector

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Source fills its own sections of a snapshot. The collector hands every
// source a scratch snapshot and merges only the sections of sources that
// succeeded, so a failing source leaves zero values behind.
type Source interface {
	Name() string
	Collect(ctx context.Context, snap *models.SystemMetrics) error
}

// ─── System ───────────────────────────────────────────────────────────────────

// SystemSource reads host CPU, memory, load and network counters.
type SystemSource struct {
	linkBytesPerSec float64

	mu      sync.Mutex
	prevNet *psnet.IOCountersStat
	prevAt  time.Time
}

// NewSystemSource creates a host source. linkCapacityMbps converts byte
// rates into a bandwidth utilization fraction.
func NewSystemSource(linkCapacityMbps float64) *SystemSource {
	return &SystemSource{linkBytesPerSec: linkCapacityMbps * 1e6 / 8}
}

func (s *SystemSource) Name() string { return "system" }

func (s *SystemSource) Collect(ctx context.Context, snap *models.SystemMetrics) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("cpu percent: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return fmt.Errorf("cpu counts: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("virtual memory: %w", err)
	}
	// Swap and load are unavailable on some hosts and stay zero
	var swapUsage, load1 float64
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		swapUsage = sw.UsedPercent / 100
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		load1 = avg.Load1
	}
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return fmt.Errorf("net counters: %w", err)
	}

	var usage float64
	if len(percents) > 0 {
		usage = percents[0] / 100
	}
	snap.CPU = models.CPUMetrics{Usage: usage, Load1: load1, Cores: cores}
	snap.Memory = models.MemoryMetrics{
		UsedBytes:  vm.Used,
		TotalBytes: vm.Total,
		Usage:      vm.UsedPercent / 100,
		SwapUsage:  swapUsage,
	}
	if len(counters) > 0 {
		snap.Network = s.networkRates(&counters[0], snap.Timestamp)
	}
	return nil
}

// networkRates turns cumulative counters into per-second rates since the
// previous tick. The first tick only primes the baseline.
func (s *SystemSource) networkRates(cur *psnet.IOCountersStat, at time.Time) models.NetworkMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, prevAt := s.prevNet, s.prevAt
	s.prevNet, s.prevAt = cur, at
	if prev == nil {
		return models.NetworkMetrics{}
	}
	elapsed := at.Sub(prevAt).Seconds()
	if elapsed <= 0 || cur.BytesRecv < prev.BytesRecv || cur.BytesSent < prev.BytesSent {
		return models.NetworkMetrics{}
	}
	in := float64(cur.BytesRecv-prev.BytesRecv) / elapsed
	out := float64(cur.BytesSent-prev.BytesSent) / elapsed
	nm := models.NetworkMetrics{BytesInPerSec: in, BytesOutPerSec: out}
	if s.linkBytesPerSec > 0 {
		busiest := in
		if out > busiest {
			busiest = out
		}
		nm.BandwidthUsage = busiest / s.linkBytesPerSec
	}
	return nm
}

// ─── Datastore ────────────────────────────────────────────────────────────────

// StatsProvider is implemented by db.Store.
type StatsProvider interface {
	Stats(ctx context.Context) (*models.DatastoreMetrics, error)
}

// DatastoreSource reports the backing store's own figures.
type DatastoreSource struct {
	stats StatsProvider
}

func NewDatastoreSource(stats StatsProvider) *DatastoreSource {
	return &DatastoreSource{stats: stats}
}

func (s *DatastoreSource) Name() string { return "datastore" }

func (s *DatastoreSource) Collect(ctx context.Context, snap *models.SystemMetrics) error {
	ds, err := s.stats.Stats(ctx)
	if err != nil {
		return fmt.Errorf("datastore stats: %w", err)
	}
	snap.Datastore = *ds
	return nil
}

// ─── Application ──────────────────────────────────────────────────────────────

// ApplicationSource derives request figures from a RequestRecorder and adds
// Go runtime figures.
type ApplicationSource struct {
	recorder *RequestRecorder
}

func NewApplicationSource(recorder *RequestRecorder) *ApplicationSource {
	return &ApplicationSource{recorder: recorder}
}

func (s *ApplicationSource) Name() string { return "application" }

func (s *ApplicationSource) Collect(ctx context.Context, snap *models.SystemMetrics) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	app := models.ApplicationMetrics{
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  ms.HeapAlloc,
	}
	if s.recorder != nil {
		w := s.recorder.Drain()
		app.RequestRate = w.RequestRate
		app.ErrorRate = w.ErrorRate
		app.ResponseTimeMs = w.ResponseTimeMs
	}
	snap.Application = app
	return nil
}
