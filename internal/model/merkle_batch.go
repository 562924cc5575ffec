package model

// MerkleBatch is an immutable, densely-numbered batch of anchored
// telemetry leaves, per §3. Preparing/Ready implement the two-phase
// fallback of §4.6 step 5 for stores without cross-collection atomicity:
// a batch is authoritative once Ready is true; any batch left Preparing
// with no attached leaves is discarded on recovery.
type MerkleBatch struct {
	BatchID   int64  `gorm:"primaryKey"`
	LeafCount int    `gorm:"not null"`
	Root      []byte `gorm:"size:32;not null"`
	CreatedAt int64  `gorm:"not null"`
	Metadata  string `gorm:"type:text"`
	Preparing bool   `gorm:"not null;default:false"`
	Ready     bool   `gorm:"not null;default:false"`
}

// ChainAnchor is the per-chain outcome record for one batch, per §3's
// `anchors` map, flattened into its own table keyed by (BatchID, ChainName).
type ChainAnchor struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	BatchID     int64  `gorm:"not null;uniqueIndex:idx_batch_chain"`
	ChainName   string `gorm:"size:64;not null;uniqueIndex:idx_batch_chain"`
	TxHash      string `gorm:"size:128"`
	BlockNumber int64
	GasUsed     int64
	Status      string `gorm:"size:16;not null"` // pending | confirmed | failed
	Error       string `gorm:"type:text"`
}
