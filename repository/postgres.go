package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"dvr-uploader/entities"
)

type postgresSink struct {
	db *gorm.DB
}

func NewPostgresSink(conn *sql.DB) (MetadataSink, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	if err := gormDB.AutoMigrate(&entities.RecordingRecord{}); err != nil {
		return nil, err
	}
	return &postgresSink{db: gormDB}, nil
}

func (s *postgresSink) Persist(ctx context.Context, rec *entities.RecordingRecord) (string, error) {
	row := *rec
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stream_name"}, {Name: "filename"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stream_app", "file_url", "file_size", "upload_time", "timestamp", "bucket", "region",
		}),
	}).Create(&row).Error
	if err != nil {
		return "", err
	}

	// The insert id is discarded on conflict; read back the canonical row so
	// the caller always records the same id for the same natural key.
	var saved entities.RecordingRecord
	err = s.db.WithContext(ctx).
		Where("stream_name = ? AND filename = ?", rec.StreamName, rec.Filename).
		First(&saved).Error
	if err != nil {
		return "", err
	}
	return saved.ID.String(), nil
}
