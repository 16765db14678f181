package types

import "time"

// AlertState is the lifecycle state of an alert. RESOLVED is terminal;
// alerts are never deleted, only transitioned.
type AlertState string

const (
	AlertActive       AlertState = "ACTIVE"
	AlertAcknowledged AlertState = "ACKNOWLEDGED"
	AlertResolved     AlertState = "RESOLVED"
)

// AlertKind identifies what triggered an alert. Status kinds carry the
// level that was reached; anomaly kinds carry the affected metric.
type AlertKind string

const (
	AlertKindStatusCritical AlertKind = "status_critical"
	AlertKindStatusDanger   AlertKind = "status_danger"
	AlertKindStatusOffline  AlertKind = "status_offline"
	AlertKindAnomaly        AlertKind = "anomaly"
)

// AlertSeverity ranks alerts for routing and display.
type AlertSeverity string

const (
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one alert lifecycle object.
type Alert struct {
	ID             string            `json:"id" db:"id"`
	HostID         string            `json:"hostId" db:"host_id"`
	Kind           AlertKind         `json:"kind" db:"kind"`
	Severity       AlertSeverity     `json:"severity" db:"severity"`
	Message        string            `json:"message" db:"message"`
	State          AlertState        `json:"state" db:"state"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty" db:"acknowledged_at"`
	AcknowledgedBy string            `json:"acknowledgedBy,omitempty" db:"acknowledged_by"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy     string            `json:"resolvedBy,omitempty" db:"resolved_by"`
	AssignedTo     string            `json:"assignedTo,omitempty" db:"assigned_to"`
	Detail         map[string]string `json:"detail,omitempty"`
}

// Terminal reports whether the alert has reached its final state.
func (a *Alert) Terminal() bool {
	return a.State == AlertResolved
}

// ResolutionDuration is the time an alert stayed open, zero while open.
func (a *Alert) ResolutionDuration() time.Duration {
	if a.ResolvedAt == nil {
		return 0
	}
	return a.ResolvedAt.Sub(a.CreatedAt)
}

// CooldownEntry suppresses duplicate alert creation for a (host, kind)
// pair inside the cooldown window. Ephemeral; rebuildable from the alert
// log on restart.
type CooldownEntry struct {
	HostID      string
	Kind        AlertKind
	LastFiredAt time.Time
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	HostID   string
	Severity AlertSeverity
	State    AlertState
	Page     int
	Limit    int
}
