package model

// PresenceRecord holds the raw fact a device's status is derived from.
// Status itself is never stored — it is a pure function of
// LastHeartbeatAt and the sweep clock, per §3/§4.9.
type PresenceRecord struct {
	DeviceID        string `gorm:"primaryKey;size:64"`
	LastHeartbeatAt int64  `gorm:"not null"`
	Version         int64  `gorm:"not null;default:0"`
}

// Event is one durably recorded event. The table is not trimmed; the
// bounded event-history ring of §3/§4.10 is eventbus's in-memory history.
type Event struct {
	EventID     int64  `gorm:"primaryKey;autoIncrement"`
	Kind        string `gorm:"size:64;not null;index"`
	PayloadJSON string `gorm:"type:text"`
	At          int64  `gorm:"not null;index"`
}
