package mysqldb

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"uinova-realtime/backend/internal/entity"
)

var ErrSessionNotFound = errors.New("SESSION_NOT_FOUND")

type mysqlSessionRepo struct {
	db *gorm.DB
}

// SessionRepo 归档会话的持久化契约
type SessionRepo interface {
	SaveSession(ctx context.Context, sess *entity.ReplaySession) error
	GetSession(ctx context.Context, sessionID string) (*entity.ReplaySession, error)
	DeleteSessionsByProject(ctx context.Context, projectID string) (int64, error)
}

func NewMySQLSessionRepo(db *gorm.DB) SessionRepo {
	return &mysqlSessionRepo{db: db}
}

func (r *mysqlSessionRepo) SaveSession(ctx context.Context, sess *entity.ReplaySession) error {
	return r.db.WithContext(ctx).Create(sess).Error
}

func (r *mysqlSessionRepo) GetSession(ctx context.Context, sessionID string) (*entity.ReplaySession, error) {
	var sess entity.ReplaySession
	err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (r *mysqlSessionRepo) DeleteSessionsByProject(ctx context.Context, projectID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&entity.ReplaySession{})
	return res.RowsAffected, res.Error
}
