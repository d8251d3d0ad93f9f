// Package dedup implements the exactly-once sample ledger. Queue delivery is
// at-least-once and generator runs are not idempotent by content, so this
// registry is the sole source of truth for whether a given piece of content
// has already been produced and accepted.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Video-Reason/VBVR-DataFactory/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry detects duplicate content across all invocations, past and present.
type Registry interface {
	// CheckAndRegister attempts to claim (generator, paramHash) for sampleId.
	// It returns true when the sample is unique (newly claimed) or when the
	// same sample re-registers its own hash, which happens on queue-triggered
	// retries of the same slot. It returns false when the hash is owned by a
	// different sample.
	CheckAndRegister(ctx context.Context, generator, paramHash, sampleId string) (bool, error)
}

// GormRegistry backs the ledger with a relational table whose composite
// primary key provides the conditional-insert primitive. No external locking
// is needed: concurrent invocations either win the insert or immediately
// discover they lost.
type GormRegistry struct {
	db *gorm.DB
}

var _ Registry = (*GormRegistry)(nil)

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) CheckAndRegister(ctx context.Context, generator, paramHash, sampleId string) (bool, error) {
	entry := database.DedupEntry{
		GeneratorName: generator,
		ParamHash:     paramHash,
		SampleId:      sampleId,
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("failed to register sample hash for %s: %w", generator, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// The key is already claimed. The owner may be this very sample on a
	// redelivered message, so read back and compare.
	var existing database.DedupEntry
	err := r.db.WithContext(ctx).
		First(&existing, "generator_name = ? AND param_hash = ?", generator, paramHash).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Nothing in this design deletes ledger rows, so a vanished row is an
		// anomaly. Treat it as not owned rather than retrying indefinitely.
		slog.Warn("dedup entry vanished between insert and read-back", "generator", generator, "param_hash", paramHash, "sample_id", sampleId)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read back dedup entry for %s: %w", generator, err)
	}

	return existing.SampleId == sampleId, nil
}
