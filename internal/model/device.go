package model

// Device is a registered IoT device identity. PublicCommitment is
// immutable after creation; IsActive=false forbids authentication but
// preserves history, per §3.
type Device struct {
	DeviceID            string `gorm:"primaryKey;size:64"`
	DeviceName          string `gorm:"size:256"`
	DeviceType          string `gorm:"size:128"`
	PublicCommitment    []byte `gorm:"size:32;not null"`
	RegisteredAt        int64  `gorm:"not null"`
	LastAuthenticatedAt int64
	IsActive            bool  `gorm:"not null;default:true"`
	TotalDataSubmitted  int64 `gorm:"not null;default:0"`
	// Version backs the optimistic-concurrency CAS required by §4.11 —
	// every update is a WHERE device_id = ? AND version = ? that also
	// bumps this column.
	Version int64 `gorm:"not null;default:0"`
}
