// Package gormstore keeps the transaction log in a SQL database through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"xacoord/log"
	"xacoord/txmanager"
	"xacoord/txstore"
)

type txModel struct {
	Serial          int64  `gorm:"primaryKey;autoIncrement"`
	FormatID        int32  `gorm:"not null"`
	GlobalID        []byte `gorm:"not null"`
	BranchQualifier []byte `gorm:"not null"`
	Status          string `gorm:"size:32;not null"`
	CoordinatorID   string `gorm:"size:32;not null;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Branches []branchModel `gorm:"foreignKey:Serial;references:Serial;constraint:OnDelete:CASCADE"`
}

func (txModel) TableName() string {
	return "xa_transactions"
}

type branchModel struct {
	Serial          int64  `gorm:"primaryKey;autoIncrement:false"`
	BranchIndex     int    `gorm:"primaryKey;autoIncrement:false"`
	FormatID        int32  `gorm:"not null"`
	GlobalID        []byte `gorm:"not null"`
	BranchQualifier []byte `gorm:"not null"`
	Status          string `gorm:"size:32;not null"`
	FactoryName     string `gorm:"size:128;not null"`
	UpdatedAt       time.Time
}

func (branchModel) TableName() string {
	return "xa_transaction_branches"
}

// Store is a txmanager.TXStore backed by gorm.
type Store struct {
	db *gorm.DB
}

var _ txmanager.TXStore = (*Store)(nil)

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("gormstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&txModel{}, &branchModel{}); err != nil {
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) InsertTX(ctx context.Context, rec *txmanager.TXRecord) (int64, error) {
	m := toModel(rec)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&m).Error; err != nil {
			return err
		}
		if len(m.Branches) == 0 {
			return nil
		}
		for i := range m.Branches {
			m.Branches[i].Serial = m.Serial
		}
		return tx.Create(&m.Branches).Error
	})
	if err != nil {
		return 0, fmt.Errorf("gormstore: insert: %w", err)
	}
	return m.Serial, nil
}

func (s *Store) UpdateTX(ctx context.Context, rec *txmanager.TXRecord, includeBranches bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&txModel{}).Where("serial = ?", rec.Serial).Update("status", string(rec.Status))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return txstore.ErrNotFound
		}
		if !includeBranches {
			return nil
		}
		for _, br := range rec.Branches {
			if err := updateBranch(tx, rec.Serial, br); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UpdateBranch(ctx context.Context, serial int64, br *txmanager.BranchRecord) error {
	return updateBranch(s.db.WithContext(ctx), serial, br)
}

func updateBranch(db *gorm.DB, serial int64, br *txmanager.BranchRecord) error {
	res := db.Model(&branchModel{}).
		Where("serial = ? AND branch_index = ?", serial, br.Index).
		Update("status", string(br.Status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return txstore.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTX(ctx context.Context, serial int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("serial = ?", serial).Delete(&branchModel{}).Error; err != nil {
			return err
		}
		return tx.Where("serial = ?", serial).Delete(&txModel{}).Error
	})
}

func (s *Store) RecoverTXs(ctx context.Context, coordinatorID string) ([]*txmanager.TXRecord, error) {
	var ms []txModel
	err := s.db.WithContext(ctx).
		Preload("Branches", func(db *gorm.DB) *gorm.DB { return db.Order("branch_index") }).
		Where("coordinator_id = ?", coordinatorID).
		Order("serial").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: recover: %w", err)
	}
	recs := make([]*txmanager.TXRecord, 0, len(ms))
	for i := range ms {
		recs = append(recs, fromModel(&ms[i]))
	}
	return recs, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidDB) {
			return nil
		}
		return err
	}
	return sqlDB.Close()
}

func toModel(rec *txmanager.TXRecord) txModel {
	m := txModel{
		FormatID:        rec.FormatID,
		GlobalID:        rec.GlobalID,
		BranchQualifier: rec.BranchQualifier,
		Status:          string(rec.Status),
		CoordinatorID:   rec.CoordinatorID,
		Branches:        make([]branchModel, 0, len(rec.Branches)),
	}
	for _, br := range rec.Branches {
		m.Branches = append(m.Branches, branchModel{
			BranchIndex:     br.Index,
			FormatID:        br.FormatID,
			GlobalID:        br.GlobalID,
			BranchQualifier: br.BranchQualifier,
			Status:          string(br.Status),
			FactoryName:     br.FactoryName,
		})
	}
	return m
}

func fromModel(m *txModel) *txmanager.TXRecord {
	rec := &txmanager.TXRecord{
		Serial:          m.Serial,
		FormatID:        m.FormatID,
		GlobalID:        m.GlobalID,
		BranchQualifier: m.BranchQualifier,
		Status:          txmanager.TXStatus(m.Status),
		CoordinatorID:   m.CoordinatorID,
		Branches:        make([]*txmanager.BranchRecord, 0, len(m.Branches)),
	}
	for _, b := range m.Branches {
		rec.Branches = append(rec.Branches, &txmanager.BranchRecord{
			Index:           b.BranchIndex,
			FormatID:        b.FormatID,
			GlobalID:        b.GlobalID,
			BranchQualifier: b.BranchQualifier,
			Status:          txmanager.BranchStatus(b.Status),
			FactoryName:     b.FactoryName,
		})
	}
	return rec
}

// gormWriter routes gorm's own messages into the process logger.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.WarnContextf(context.Background(), format, args...)
}
