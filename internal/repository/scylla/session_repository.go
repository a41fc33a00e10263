package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"taskauth/internal/models"
	"taskauth/internal/util"
)

type sessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) SessionRepository {
	return &sessionRepository{client: client}
}

func (r *sessionRepository) Create(ctx context.Context, session *models.Session) error {
	session.CreatedAt = time.Now().UTC()

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
        INSERT INTO sessions (session_id, account_id, device_id, user_agent,
            ip_address, created_at, ended_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AccountID, session.DeviceID, session.UserAgent,
		session.IPAddress, session.CreatedAt, session.EndedAt)
	batch.Query(`
        INSERT INTO sessions_by_account (account_id, created_at, session_id)
        VALUES (?, ?, ?)`,
		session.AccountID, session.CreatedAt, session.ID)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", session.ID),
			zap.String("account_id", session.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("session_id", session.ID),
		zap.String("account_id", session.AccountID))
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	session := &models.Session{}

	err := r.client.ScanWithRetry(
		r.client.Prepared.GetSessionByID.Bind(sessionID).WithContext(ctx),
		&session.ID, &session.AccountID, &session.DeviceID, &session.UserAgent,
		&session.IPAddress, &session.CreatedAt, &session.EndedAt,
	)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return session, nil
}

func (r *sessionRepository) End(ctx context.Context, sessionID string, at time.Time) error {
	if err := r.client.Prepared.EndSession.Bind(at, sessionID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

func (r *sessionRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	iter := r.client.Prepared.ListSessionsByAcct.Bind(accountID, limit).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, sid := range ids {
		session, err := r.GetByID(ctx, sid)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
