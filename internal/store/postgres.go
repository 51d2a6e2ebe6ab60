package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/arena-backend/internal/room"
)

// roomRow is the persisted shape: the record serialized as jsonb plus
// the columns the store itself needs for versioning and scan order.
type roomRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Data      []byte    `gorm:"type:jsonb;not null"`
	Version   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (roomRow) TableName() string { return "rooms" }

// Postgres is a Store backed by a shared PostgreSQL database, for
// deployments running more than one coordinator against the same room
// namespace. Version checks happen in the database, so the discipline
// holds across processes.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres connects and migrates the rooms table.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.AutoMigrate(&roomRow{}); err != nil {
		return nil, fmt.Errorf("migrating rooms table: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Create(ctx context.Context, rec *room.Record) error {
	rec.Version = 1
	data, err := room.Encode(rec)
	if err != nil {
		return err
	}
	row := roomRow{ID: rec.ID, Data: data, Version: rec.Version, CreatedAt: rec.CreatedAt}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		rec.Version = 0
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*room.Record, error) {
	var row roomRow
	err := p.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec, err := room.Decode(row.Data)
	if err != nil {
		return nil, err
	}
	rec.Version = row.Version
	return rec, nil
}

func (p *Postgres) Put(ctx context.Context, rec *room.Record) error {
	next := rec.Version + 1
	staged := rec.Clone()
	staged.Version = next
	data, err := room.Encode(staged)
	if err != nil {
		return err
	}

	res := p.db.WithContext(ctx).Model(&roomRow{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(map[string]any{"data": data, "version": next})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return p.missOrConflict(ctx, rec.ID)
	}
	rec.Version = next
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string, version int64) error {
	res := p.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, version).
		Delete(&roomRow{})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return p.missOrConflict(ctx, id)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]*room.Record, error) {
	var rows []roomRow
	if err := p.db.WithContext(ctx).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]*room.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := room.Decode(row.Data)
		if err != nil {
			return nil, err
		}
		rec.Version = row.Version
		out = append(out, rec)
	}
	return out, nil
}

// missOrConflict distinguishes a conditional write that matched no
// rows: either the record is gone or its version moved.
func (p *Postgres) missOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := p.db.WithContext(ctx).Model(&roomRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}
