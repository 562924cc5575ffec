// Package store is the persistence adapter of §4.11: one GORM model per
// §3 entity, with every FSM/batch-affecting write path going through a
// compare-and-set primitive to avoid lost updates, the way the teacher's
// store.go wraps *gorm.DB behind a narrow interface instead of leaking
// GORM into callers.
package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kibshh/iot-anchor-node/internal/model"
)

// CASMaxRetries bounds the number of compare-and-set retry attempts a
// single call will make before surfacing CONFLICT_STATE, per §7.
const CASMaxRetries = 5

// Store is the concrete persistence adapter. Callers that exhaust their
// CAS retry budget wrap the failure into apierr.CodeConflictState.
type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB and runs AutoMigrate for every
// model this service owns.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&model.Device{},
		&model.PendingDatum{},
		&model.MerkleBatch{},
		&model.ChainAnchor{},
		&model.MultiSigProposal{},
		&model.ProposalApproval{},
		&model.ProposalRejection{},
		&model.Signer{},
		&model.PresenceRecord{},
		&model.Event{},
		&model.PushSubscription{},
		&model.ChainDeployment{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection for components (like the anchor
// pipeline) that need a real multi-row transaction, the same escape hatch
// the teacher's store.DB() gives the router for ad-hoc queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func now() int64 {
	return time.Now().Unix()
}

// Open is a small convenience wrapper mirroring the teacher's
// internal/db/db.go: connects, tunes the pool, and enables GORM's
// structured logger.
func Open(dial gorm.Dialector, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(maxIdleConns)
	}
	if connMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}
	return db, nil
}
