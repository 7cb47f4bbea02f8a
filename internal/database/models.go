package database

import "time"

// Lease retirement reasons.
const (
	ReasonRotate    = "rotate"
	ReasonReconnect = "reconnect"
	ReasonFault     = "fault"
	ReasonShutdown  = "shutdown"
)

// ProxyLease records one transport's use of a proxy endpoint.
type ProxyLease struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Endpoint   string     `gorm:"not null;index" json:"endpoint"`
	Identity   string     `gorm:"not null;index" json:"identity"`
	AcquiredAt time.Time  `gorm:"not null;index" json:"acquired_at"`
	RetiredAt  *time.Time `gorm:"index" json:"retired_at,omitempty"`
	Reason     string     `gorm:"not null;default:''" json:"reason,omitempty"`
}
