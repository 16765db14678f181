package types

import "time"

// Broadcast topics. Routing beyond the topic (by severity, host, channel)
// is the broadcaster's responsibility, not the engine's.
const (
	TopicStatusChanged     = "status.changed"
	TopicAlertCreated      = "alert.created"
	TopicAlertAcknowledged = "alert.acknowledged"
	TopicAlertResolved     = "alert.resolved"
	TopicAlertAssigned     = "alert.assigned"
	TopicAggregateComputed = "aggregate.computed"
)

// StatusChangedEvent is published when a host's stable status changes.
type StatusChangedEvent struct {
	HostID     string      `json:"hostId"`
	Old        StatusLevel `json:"old"`
	New        StatusLevel `json:"new"`
	Reason     string      `json:"reason"`
	Confidence int         `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
}

// AlertEvent is published on every alert lifecycle transition.
type AlertEvent struct {
	Alert Alert `json:"alert"`
}

// AggregateComputedEvent is published after an aggregation job completes
// for a host.
type AggregateComputedEvent struct {
	HostID    string      `json:"hostId"`
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}
