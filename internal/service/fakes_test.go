package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskauth/internal/models"
	"taskauth/internal/repository/scylla"
)

// fakeAccountRepo is an in-memory AccountRepository. Reads hand out copies
// so callers cannot mutate stored state without going through Update, the
// same contract the real store enforces.
type fakeAccountRepo struct {
	mu       sync.Mutex
	byID     map[string]*models.Account
	byEmail  map[string]string
	createAt func() time.Time
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		byID:     map[string]*models.Account{},
		byEmail:  map[string]string{},
		createAt: time.Now,
	}
}

func copyAccount(a *models.Account) *models.Account {
	dup := *a
	if a.LockUntil != nil {
		lock := *a.LockUntil
		dup.LockUntil = &lock
	}
	dup.BackupCodeHashes = append([]string(nil), a.BackupCodeHashes...)
	dup.LinkedProviders = map[string]string{}
	for k, v := range a.LinkedProviders {
		dup.LinkedProviders[k] = v
	}
	return &dup
}

func (r *fakeAccountRepo) Create(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[account.Email]; exists {
		return scylla.ErrDuplicateEmail
	}
	account.CreatedAt = r.createAt().UTC()
	r.byID[account.ID] = copyAccount(account)
	r.byEmail[account.Email] = account.ID
	return nil
}

func (r *fakeAccountRepo) GetByID(_ context.Context, accountID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[accountID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return copyAccount(account), nil
}

func (r *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	r.mu.Lock()
	id, ok := r.byEmail[email]
	r.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *fakeAccountRepo) Update(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[account.ID]; !ok {
		return scylla.ErrNotFound
	}
	r.byID[account.ID] = copyAccount(account)
	return nil
}

func (r *fakeAccountRepo) UpdateLastLogin(_ context.Context, accountID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	account.LastLoginAt = &at
	return nil
}

func (r *fakeAccountRepo) IncrementFailedAttempts(_ context.Context, accountID string, maxAttempts int, lockUntil time.Time) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[accountID]
	if !ok {
		return 0, false, scylla.ErrNotFound
	}
	account.FailedAttempts++
	locked := false
	if account.FailedAttempts >= maxAttempts {
		account.LockUntil = &lockUntil
		locked = true
	}
	return account.FailedAttempts, locked, nil
}

func (r *fakeAccountRepo) ResetFailedAttempts(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	account.FailedAttempts = 0
	account.LockUntil = nil
	return nil
}

func (r *fakeAccountRepo) ConsumeBackupCodeHash(_ context.Context, accountID, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.byID[accountID]
	if !ok {
		return false, scylla.ErrNotFound
	}
	for i, stored := range account.BackupCodeHashes {
		if stored == hash {
			account.BackupCodeHashes = append(account.BackupCodeHashes[:i], account.BackupCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeAccountRepo) HealthCheck(context.Context) error { return nil }

// fakeSessionRepo is an in-memory SessionRepository.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]*models.Session{}}
}

func (r *fakeSessionRepo) Create(_ context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	dup := *session
	r.sessions[session.ID] = &dup
	return nil
}

func (r *fakeSessionRepo) GetByID(_ context.Context, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	dup := *session
	return &dup, nil
}

func (r *fakeSessionRepo) End(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[sessionID]; ok {
		session.EndedAt = &at
	}
	return nil
}

func (r *fakeSessionRepo) ListByAccount(_ context.Context, accountID string, limit int) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Session
	for _, session := range r.sessions {
		if session.AccountID == accountID {
			dup := *session
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recordingSink captures audit events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (s *recordingSink) Record(_ context.Context, event *models.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Search(_ context.Context, accountID string, limit int) ([]*models.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SecurityEvent
	for _, event := range s.events {
		if event.AccountID == accountID {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recordingSender captures queued email jobs for assertions.
type recordingSender struct {
	mu           sync.Mutex
	verifyTokens map[string]string
	alerts       []string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{verifyTokens: map[string]string{}}
}

func (s *recordingSender) SendVerification(_ context.Context, to, _, verifyToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyTokens[to] = verifyToken
}

func (s *recordingSender) SendPasswordReset(context.Context, string, string) {}

func (s *recordingSender) SendLoginAlert(_ context.Context, to string, _ models.ClientMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, to)
}

func (s *recordingSender) verifyTokenFor(emailAddr string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyTokens[emailAddr]
}

func (s *recordingSink) eventTypes(accountID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, event := range s.events {
		if accountID == "" || event.AccountID == accountID {
			out = append(out, event.EventType)
		}
	}
	return out
}
