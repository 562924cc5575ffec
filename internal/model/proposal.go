package model

// MultiSigProposal is a threshold-approval request awaiting execution,
// per §3/§4.8. Approvals and rejections are dedupe-by-signer child tables
// rather than a set column so the store can enforce uniqueness with a
// composite key instead of read-modify-write on a JSON blob.
type MultiSigProposal struct {
	ProposalID        string `gorm:"primaryKey;size:32"`
	Kind              string `gorm:"size:64;not null"`
	PayloadJSON       string `gorm:"type:text;not null"`
	RequiredApprovals int    `gorm:"not null"`
	Proposer          string `gorm:"size:64"`
	State             string `gorm:"size:16;not null"` // PENDING|APPROVED|REJECTED|EXECUTED|EXPIRED
	CreatedAt         int64  `gorm:"not null"`
	ExpiresAt         int64  `gorm:"not null"`
	ExecutedAt        *int64
	ArtifactRef       string `gorm:"size:256"`
	// Version is not read or written by the store: state transitions are
	// compare-and-set on State (store.UpdateStateCAS).
	Version int64 `gorm:"not null;default:0"`
}

// ProposalApproval records one signer's approval of a proposal.
type ProposalApproval struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ProposalID string `gorm:"size:32;not null;uniqueIndex:idx_approval_signer"`
	SignerID   string `gorm:"size:64;not null;uniqueIndex:idx_approval_signer"`
	Signature  string `gorm:"type:text"`
	At         int64  `gorm:"not null"`
}

// ProposalRejection records one signer's rejection of a proposal.
type ProposalRejection struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ProposalID string `gorm:"size:32;not null;uniqueIndex:idx_rejection_signer"`
	SignerID   string `gorm:"size:64;not null;uniqueIndex:idx_rejection_signer"`
	Signature  string `gorm:"type:text"`
	At         int64  `gorm:"not null"`
}

// Signer is a multi-sig participant. Removal is soft — IsActive=false —
// to preserve audit history, per §3.
type Signer struct {
	SignerID  string `gorm:"primaryKey;size:64"`
	PublicKey []byte `gorm:"type:blob"`
	AddedAt   int64  `gorm:"not null"`
	IsActive  bool   `gorm:"not null;default:true"`
}
