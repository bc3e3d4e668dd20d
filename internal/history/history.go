// Package history records finished transfers in a local sqlite database.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tonitrnel/synclink-sub001/internal/transfer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

type Status string

const (
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// StatusFor classifies the error a transfer ended with.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, transfer.ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled
	default:
		return Failed
	}
}

type Transfer struct {
	ID             uint      `gorm:"primaryKey"`
	Direction      Direction `gorm:"index;not null"`
	PeerID         string    `gorm:"index"`
	FileSeq        uint32
	Name           string `gorm:"not null"`
	Type           string
	Size           int64
	Bytes          int64
	Path           string
	Status         Status `gorm:"index;not null"`
	Error          string
	BytesPerSecond float64
	StartedAt      time.Time `gorm:"index"`
	FinishedAt     time.Time
}

func (t Transfer) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}

// Totals sums completed transfers per direction.
type Totals struct {
	Direction Direction
	Count     int64
	Bytes     int64
}

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps :memory:
	// databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Transfer{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating history: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Record(ctx context.Context, t *Transfer) error {
	if t.FinishedAt.IsZero() {
		t.FinishedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("recording transfer %s: %w", t.Name, err)
	}
	return nil
}

// List returns the most recent transfers first. A non-positive limit
// returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Transfer, error) {
	var transfers []Transfer
	q := s.db.WithContext(ctx).Order("started_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}

func (s *Store) ListByPeer(ctx context.Context, peerID string, limit int) ([]Transfer, error) {
	var transfers []Transfer
	q := s.db.WithContext(ctx).Where("peer_id = ?", peerID).Order("started_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}

func (s *Store) Totals(ctx context.Context) ([]Totals, error) {
	var totals []Totals
	err := s.db.WithContext(ctx).Model(&Transfer{}).
		Select("direction, count(*) as count, coalesce(sum(bytes), 0) as bytes").
		Where("status = ?", Completed).
		Group("direction").
		Order("direction").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}
