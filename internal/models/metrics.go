package models

import "time"

// Metric names produced by SystemMetrics.Samples.
const (
	MetricCPUUsage         = "system.cpu.usage"
	MetricCPULoad1         = "system.cpu.load1"
	MetricMemoryUsage      = "system.memory.usage"
	MetricSwapUsage        = "system.swap.usage"
	MetricDatastoreMemory  = "datastore.memory.usage"
	MetricDatastoreClients = "datastore.clients"
	MetricDatastoreOps     = "datastore.ops_per_sec"
	MetricDatastoreHitRate = "datastore.hit_rate"
	MetricDatastoreEvicted = "datastore.evicted_keys"
	MetricNetworkBandwidth = "network.bandwidth.usage"
	MetricNetworkBytesIn   = "network.bytes_in_per_sec"
	MetricNetworkBytesOut  = "network.bytes_out_per_sec"
	MetricRequestRate      = "app.request_rate"
	MetricResponseTime     = "app.response_time"
	MetricErrorRate        = "app.error_rate"
	MetricGoroutines       = "app.goroutines"
)

// MetricSample is one point of a named time series.
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// CPUMetrics holds host CPU figures. Usage is a fraction of all cores.
type CPUMetrics struct {
	Usage float64 `json:"usage"`
	Load1 float64 `json:"load1"`
	Cores int     `json:"cores"`
}

// MemoryMetrics holds host memory figures.
type MemoryMetrics struct {
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
	Usage      float64 `json:"usage"`
	SwapUsage  float64 `json:"swap_usage"`
}

// DatastoreMetrics describes the backing datastore.
type DatastoreMetrics struct {
	UsedMemoryBytes  uint64  `json:"used_memory_bytes"`
	MaxMemoryBytes   uint64  `json:"max_memory_bytes"`
	MemoryUsage      float64 `json:"memory_usage"`
	ConnectedClients int64   `json:"connected_clients"`
	OpsPerSec        float64 `json:"ops_per_sec"`
	HitRate          float64 `json:"hit_rate"`
	EvictedKeys      int64   `json:"evicted_keys"`
	Keys             int64   `json:"keys"`
}

// NetworkMetrics are rates computed between two collection ticks.
type NetworkMetrics struct {
	BytesInPerSec  float64 `json:"bytes_in_per_sec"`
	BytesOutPerSec float64 `json:"bytes_out_per_sec"`
	BandwidthUsage float64 `json:"bandwidth_usage"`
	Connections    int     `json:"connections"`
}

// ApplicationMetrics are derived from the host's request recorder and the Go
// runtime.
type ApplicationMetrics struct {
	RequestRate    float64 `json:"request_rate"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	ErrorRate      float64 `json:"error_rate"`
	Goroutines     int     `json:"goroutines"`
	HeapBytes      uint64  `json:"heap_bytes"`
}

// SystemMetrics is one collection tick. It is not modified after creation.
type SystemMetrics struct {
	Timestamp   time.Time          `json:"timestamp"`
	CPU         CPUMetrics         `json:"cpu"`
	Memory      MemoryMetrics      `json:"memory"`
	Datastore   DatastoreMetrics   `json:"datastore"`
	Network     NetworkMetrics     `json:"network"`
	Application ApplicationMetrics `json:"application"`
	// Failed lists sub-collectors that returned an error for this tick.
	Failed []string `json:"failed,omitempty"`
}

// Samples flattens the snapshot into named samples sharing its timestamp.
func (m *SystemMetrics) Samples() []MetricSample {
	values := []struct {
		name  string
		value float64
	}{
		{MetricCPUUsage, m.CPU.Usage},
		{MetricCPULoad1, m.CPU.Load1},
		{MetricMemoryUsage, m.Memory.Usage},
		{MetricSwapUsage, m.Memory.SwapUsage},
		{MetricDatastoreMemory, m.Datastore.MemoryUsage},
		{MetricDatastoreClients, float64(m.Datastore.ConnectedClients)},
		{MetricDatastoreOps, m.Datastore.OpsPerSec},
		{MetricDatastoreHitRate, m.Datastore.HitRate},
		{MetricDatastoreEvicted, float64(m.Datastore.EvictedKeys)},
		{MetricNetworkBandwidth, m.Network.BandwidthUsage},
		{MetricNetworkBytesIn, m.Network.BytesInPerSec},
		{MetricNetworkBytesOut, m.Network.BytesOutPerSec},
		{MetricRequestRate, m.Application.RequestRate},
		{MetricResponseTime, m.Application.ResponseTimeMs},
		{MetricErrorRate, m.Application.ErrorRate},
		{MetricGoroutines, float64(m.Application.Goroutines)},
	}
	out := make([]MetricSample, 0, len(values))
	for _, v := range values {
		out = append(out, MetricSample{Name: v.name, Value: v.value, Timestamp: m.Timestamp})
	}
	return out
}

// Values returns the snapshot as a name to value map.
func (m *SystemMetrics) Values() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range m.Samples() {
		out[s.Name] = s.Value
	}
	return out
}

// AlertSeverity grades alerts.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "INFO"
	AlertWarning  AlertSeverity = "WARNING"
	AlertCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the lifecycle of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// Alert sources.
const (
	AlertSourceMetrics = "metrics"
	AlertSourceCost    = "cost"
)

// Alert is raised by the collector or the cost optimizer.
type Alert struct {
	ID             string        `json:"id"`
	Source         string        `json:"source"`
	Subject        string        `json:"subject"`
	Severity       AlertSeverity `json:"severity"`
	Status         AlertStatus   `json:"status"`
	Message        string        `json:"message"`
	Value          float64       `json:"value"`
	Threshold      float64       `json:"threshold"`
	CreatedAt      time.Time     `json:"created_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}
