package services

import (
	"context"

	"github.com/reflectapp/insightd/internal/models"
	"gorm.io/gorm"
)

// SubjectService pages over the profile population in a stable order, which
// keeps batch pagination deterministic across shards and retries.
type SubjectService struct {
	db *gorm.DB
}

func NewSubjectService(db *gorm.DB) *SubjectService {
	return &SubjectService{db: db}
}

// ListIDs returns one page of profile ids ordered by id.
func (s *SubjectService) ListIDs(ctx context.Context, offset, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Profile{}).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Count returns the total subject population, used by the health endpoint.
func (s *SubjectService) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Profile{}).Count(&n).Error
	return n, err
}
