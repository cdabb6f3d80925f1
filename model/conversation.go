package model

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRecord 远端持久化的会话投影，每个 id 至多一行
type ConversationRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string    `gorm:"index;type:varchar(64);not null" json:"user_id"`
	Title     string    `json:"title"`
	Messages  string    `gorm:"type:text" json:"messages"` // JSON 编码的消息序列
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationRepo 会话记录的数据访问
type ConversationRepo struct {
	db *gorm.DB
}

func NewConversationRepo(db *gorm.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// ErrNotOwner id 已被其他用户占用
var ErrNotOwner = errors.New("conversation belongs to another user")

// Upsert 按主键插入或覆盖；已存在的行只允许原 owner 覆盖，owner 本身不可改
func (r *ConversationRepo) Upsert(ctx context.Context, rec *ConversationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner string
		err := tx.Model(&ConversationRecord{}).
			Select("user_id").
			Where("id = ?", rec.ID).
			Limit(1).
			Scan(&owner).Error
		if err != nil {
			return err
		}
		if owner != "" && owner != rec.UserID {
			return ErrNotOwner
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "messages", "updated_at"}),
		}).Create(rec).Error
	})
}

// Delete 按 id 和所属用户删除，返回删除行数
func (r *ConversationRepo) Delete(ctx context.Context, id, userID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&ConversationRecord{})
	return result.RowsAffected, result.Error
}

// UpdateTitle 按 id 和所属用户更新标题，返回更新行数
func (r *ConversationRepo) UpdateTitle(ctx context.Context, id, userID, title string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&ConversationRecord{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{
			"title":      title,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// List 返回用户的全部会话，按 updated_at 倒序
func (r *ConversationRepo) List(ctx context.Context, userID string) ([]ConversationRecord, error) {
	var records []ConversationRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
