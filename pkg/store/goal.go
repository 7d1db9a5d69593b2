package store

import (
	"context"
	"errors"

	"bookshelf/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GoalStore struct {
	db *gorm.DB
}

func NewGoalStore(db *gorm.DB) *GoalStore {
	return &GoalStore{db: db}
}

// Get returns the user's goal. A user who never set one has a zero target.
func (s *GoalStore) Get(ctx context.Context, username string) (models.ReadingGoal, error) {
	var goal models.ReadingGoal
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&goal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ReadingGoal{Username: username}, nil
	}
	return goal, err
}

func (s *GoalStore) Set(ctx context.Context, username string, target int) (models.ReadingGoal, error) {
	goal := models.ReadingGoal{Username: username, Target: max(0, target)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"target", "updated_at"}),
	}).Create(&goal).Error
	if err != nil {
		return goal, err
	}
	return s.Get(ctx, username)
}
