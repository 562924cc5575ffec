package model

// PendingDatum is telemetry awaiting inclusion in a batch. It transitions
// exactly once from BatchID = nil to a specific batch and is never
// mutated afterward, per §3. InsertionSeq is the autoincrement primary
// key and doubles as the tiebreaker in the ordering rule
// (submitted_at, device_id, insertion_seq).
type PendingDatum struct {
	InsertionSeq int64  `gorm:"primaryKey;autoIncrement"`
	DeviceID     string `gorm:"size:64;not null;index"`
	Payload      string `gorm:"type:text;not null"`
	SubmittedAt  int64  `gorm:"not null;index"`
	LeafHash     []byte `gorm:"size:32;not null"`
	BatchID      *int64 `gorm:"index"`
}
