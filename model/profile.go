package model

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Profile 远端额度账本，由客户端在扣减/购买后同步
type Profile struct {
	UserID           string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	Plan             string    `gorm:"type:varchar(32)" json:"plan"`
	PromptsRemaining int       `json:"prompts_remaining"`
	TotalPrompts     int       `json:"total_prompts"`
	ImagesRemaining  int       `json:"images_remaining"`
	TotalImages      int       `json:"total_images"`
	UpdatedAt        time.Time `json:"updated_at"`
}

var ErrProfileNotFound = errors.New("profile not found")

type ProfileRepo struct {
	db *gorm.DB
}

func NewProfileRepo(db *gorm.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

func (r *ProfileRepo) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *ProfileRepo) Upsert(ctx context.Context, p *Profile) error {
	p.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(p).Error
}
