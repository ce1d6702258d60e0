package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type UserRecord struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"size:60;not null"`
	CompID       uint32 `gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time
}

func (UserRecord) TableName() string { return "users" }

// GormUserStore keeps participants in the users table.
type GormUserStore struct {
	db *gorm.DB
}

func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

func (s *GormUserStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&UserRecord{})
}

func (s *GormUserStore) FindUser(ctx context.Context, username string) (User, error) {
	var rec UserRecord
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if err != nil {
		return User{}, err
	}
	return User{
		Username:     rec.Username,
		PasswordHash: []byte(rec.PasswordHash),
		CompID:       rec.CompID,
	}, nil
}

// CreateUser stores a new participant with an already hashed password.
func (s *GormUserStore) CreateUser(ctx context.Context, user User) error {
	rec := UserRecord{
		Username:     user.Username,
		PasswordHash: string(user.PasswordHash),
		CompID:       user.CompID,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("creating user %s: %w", user.Username, err)
	}
	return nil
}
