package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusLevel is the stable health classification of a host, ordered by
// severity so levels can be compared directly.
type StatusLevel int

const (
	StatusUnknown StatusLevel = iota
	StatusHealthy
	StatusWarning
	StatusCritical
	StatusDanger
	StatusOffline
)

var statusNames = map[StatusLevel]string{
	StatusUnknown:  "UNKNOWN",
	StatusHealthy:  "HEALTHY",
	StatusWarning:  "WARNING",
	StatusCritical: "CRITICAL",
	StatusDanger:   "DANGER",
	StatusOffline:  "OFFLINE",
}

func (l StatusLevel) String() string {
	if name, ok := statusNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStatusLevel maps a status name back to its level. Unrecognised names
// return StatusUnknown and false.
func ParseStatusLevel(name string) (StatusLevel, bool) {
	for level, n := range statusNames {
		if n == name {
			return level, true
		}
	}
	return StatusUnknown, false
}

// MarshalJSON renders the level by name on every external surface.
func (l StatusLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *StatusLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	level, ok := ParseStatusLevel(name)
	if !ok {
		return fmt.Errorf("unknown status level %q", name)
	}
	*l = level
	return nil
}

// WorseThan reports whether l is more severe than other.
func (l StatusLevel) WorseThan(other StatusLevel) bool {
	return l > other
}

// MetricSample is one health observation for a host. Samples are produced
// by the ingestion layer and are immutable once recorded.
type MetricSample struct {
	HostID    string    `json:"hostId" db:"host_id"`
	Timestamp time.Time `json:"timestamp" db:"collected_at"`
	CPUPct    float64   `json:"cpuPct" db:"cpu_pct"`
	MemPct    float64   `json:"memPct" db:"mem_pct"`
	DiskPct   float64   `json:"diskPct" db:"disk_pct"`
	LatencyMs float64   `json:"latencyMs" db:"latency_ms"`
	LoadAvg   float64   `json:"loadAvg" db:"load_avg"`
}

// MetricName identifies one of the sample's scalar metrics.
type MetricName string

const (
	MetricCPU     MetricName = "cpu"
	MetricMemory  MetricName = "memory"
	MetricDisk    MetricName = "disk"
	MetricLatency MetricName = "latency"
	MetricLoad    MetricName = "load"
)

// MetricNames lists all sample metrics in a stable order.
var MetricNames = []MetricName{MetricCPU, MetricMemory, MetricDisk, MetricLatency, MetricLoad}

// Value extracts the named metric from a sample.
func (s MetricSample) Value(metric MetricName) float64 {
	switch metric {
	case MetricCPU:
		return s.CPUPct
	case MetricMemory:
		return s.MemPct
	case MetricDisk:
		return s.DiskPct
	case MetricLatency:
		return s.LatencyMs
	case MetricLoad:
		return s.LoadAvg
	}
	return 0
}

// Recommendation is an advisory action attached to a status record.
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Type     string `json:"type"`
}

// StatusRecord is the live, debounced status of a host. One record per
// host, owned by the status store and mutated only through the hysteresis
// transition.
type StatusRecord struct {
	HostID          string           `json:"hostId"`
	Level           StatusLevel      `json:"level"`
	Confidence      int              `json:"confidence"`
	Reason          string           `json:"reason"`
	LastUpdate      time.Time        `json:"lastUpdate"`
	Override        bool             `json:"override,omitempty"`
	OverrideExpiry  time.Time        `json:"overrideExpiry,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// StatusHistoryEntry is one entry of a host's bounded status history ring.
// RawLevel keeps the pre-hysteresis classification so downgrade decisions
// can count consistent raw observations.
type StatusHistoryEntry struct {
	Level      StatusLevel `json:"level"`
	RawLevel   StatusLevel `json:"rawLevel"`
	Timestamp  time.Time   `json:"timestamp"`
	Confidence int         `json:"confidence"`
}

// Host is a monitored host as listed by the catalog.
type Host struct {
	ID          string `json:"id" db:"id"`
	DisplayName string `json:"displayName" db:"display_name"`
	Active      bool   `json:"active" db:"active"`
}
