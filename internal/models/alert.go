package models

import (
	"strings"
	"time"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "Active"
	AlertAcknowledged AlertStatus = "Acknowledged"
	AlertCleared      AlertStatus = "Cleared"
)

// IsValid checks if the status is one of the known states
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertActive, AlertAcknowledged, AlertCleared:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertAcknowledged || s == AlertCleared
}

// Alert records an abnormal condition on a channel.
type Alert struct {
	ID        string      `json:"id"`
	Channel   string      `json:"channel"`
	Condition string      `json:"condition"`
	Value     float64     `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Status    AlertStatus `json:"status"`
}

// Category returns the severity phrase of the condition, e.g.
// "Temperature CRITICAL HIGH: 41.0°C ..." yields "CRITICAL HIGH".
func (a *Alert) Category() string {
	head, _, _ := strings.Cut(a.Condition, ":")
	fields := strings.Fields(head)
	if len(fields) < 2 {
		return strings.TrimSpace(head)
	}
	return strings.Join(fields[1:], " ")
}
