package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type sessionRecord struct {
	ID        string `gorm:"primaryKey"`
	Status    string `gorm:"not null"`
	Pair      string `gorm:"index;not null"`
	Tick      int    `gorm:"not null"`
	Data      string `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (sessionRecord) TableName() string { return "arena_sessions" }

type agentRecord struct {
	SessionID string  `gorm:"primaryKey"`
	AgentID   string  `gorm:"primaryKey"`
	Ord       int     `gorm:"not null"`
	Name      string  `gorm:"not null"`
	Equity    float64 `gorm:"type:decimal(20,8);not null"`
	Alive     bool    `gorm:"not null"`
	Data      string  `gorm:"type:jsonb;not null"`
}

func (agentRecord) TableName() string { return "arena_agents" }

// PostgresStore is the SessionStore for shared deployments.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.AutoMigrate(&sessionRecord{}, &agentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate arena tables: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) SaveSessionSnapshot(ctx context.Context, session *domain.Session, agents []domain.Agent) error {
	rec, agentRecs, err := toRecords(session, agents)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "tick", "data", "updated_at"}),
		}).Create(rec).Error; err != nil {
			return fmt.Errorf("save session %s: %w", session.ID, err)
		}
		if err := tx.Where("session_id = ?", session.ID).Delete(&agentRecord{}).Error; err != nil {
			return err
		}
		if len(agentRecs) == 0 {
			return nil
		}
		return tx.Create(&agentRecs).Error
	})
}

func (s *PostgresStore) LoadSession(ctx context.Context, id string) (*domain.SessionSnapshot, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var agentRecs []agentRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("ord").Find(&agentRecs).Error; err != nil {
		return nil, err
	}
	return fromRecords(rec, agentRecs)
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []sessionRecord
	if err := s.db.WithContext(ctx).Order("updated_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(recs))
	for _, rec := range recs {
		var sess domain.Session
		if err := json.Unmarshal([]byte(rec.Data), &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", rec.ID, err)
		}
		sess.PriceWindow = nil
		out = append(out, sess)
	}
	return out, nil
}

func toRecords(session *domain.Session, agents []domain.Agent) (*sessionRecord, []agentRecord, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	rec := &sessionRecord{
		ID:        session.ID,
		Status:    string(session.Status),
		Pair:      session.Config.Pair,
		Tick:      session.Tick,
		Data:      string(data),
		CreatedAt: session.CreatedAt,
	}
	recs := make([]agentRecord, len(agents))
	for i := range agents {
		a := &agents[i]
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, nil, fmt.Errorf("encode agent %s: %w", a.ID, err)
		}
		recs[i] = agentRecord{
			SessionID: session.ID,
			AgentID:   a.ID,
			Ord:       a.Order,
			Name:      a.Name(),
			Equity:    a.Equity,
			Alive:     a.Alive,
			Data:      string(raw),
		}
	}
	return rec, recs, nil
}

func fromRecords(rec sessionRecord, agentRecs []agentRecord) (*domain.SessionSnapshot, error) {
	snap := &domain.SessionSnapshot{SavedAt: rec.UpdatedAt}
	if err := json.Unmarshal([]byte(rec.Data), &snap.Session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", rec.ID, err)
	}
	for _, ar := range agentRecs {
		var a domain.Agent
		if err := json.Unmarshal([]byte(ar.Data), &a); err != nil {
			return nil, fmt.Errorf("decode agent %s: %w", ar.AgentID, err)
		}
		snap.Agents = append(snap.Agents, a)
	}
	return snap, nil
}
