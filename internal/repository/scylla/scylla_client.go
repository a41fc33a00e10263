package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"taskauth/internal/config"
	"taskauth/internal/util"
)

// PreparedStatements holds the statements the repositories bind per call.
// LWT conditional updates are built inline because their bind values vary
// with the observed state, and the session insert rides a logged batch.
type PreparedStatements struct {
	CreateAccount        *gocql.Query
	CreateEmailToAccount *gocql.Query
	GetAccountByID       *gocql.Query
	GetAccountByEmail    *gocql.Query
	UpdateAccount        *gocql.Query
	UpdateLastLogin      *gocql.Query
	GetSessionByID       *gocql.Query
	EndSession           *gocql.Query
	ListSessionsByAcct   *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = parseConsistency(scyllaConfig.Consistency)
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}
	client.prepareStatements()

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func parseConsistency(name string) gocql.Consistency {
	switch name {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "all":
		return gocql.All
	default:
		return gocql.Quorum
	}
}

func (s *ScyllaClient) prepareStatements() {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return
	}

	prepared := &PreparedStatements{}

	prepared.CreateAccount = s.Session.Query(`
        INSERT INTO accounts (
            account_bucket, account_id, email, password_hash, name, avatar_url,
            failed_attempts, lock_until, email_verified, is_active,
            two_factor_enabled, two_factor_secret, backup_code_hashes,
            linked_providers, terms_accepted_at, created_at, last_login_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailToAccount = s.Session.Query(`
        INSERT INTO email_to_account (email, account_bucket, account_id)
        VALUES (?, ?, ?) IF NOT EXISTS`)

	prepared.GetAccountByID = s.Session.Query(`
        SELECT account_bucket, account_id, email, password_hash, name, avatar_url,
            failed_attempts, lock_until, email_verified, is_active,
            two_factor_enabled, two_factor_secret, backup_code_hashes,
            linked_providers, terms_accepted_at, created_at, last_login_at, updated_at
        FROM accounts WHERE account_bucket = ? AND account_id = ?`)

	prepared.GetAccountByEmail = s.Session.Query(`
        SELECT account_bucket, account_id FROM email_to_account WHERE email = ?`)

	prepared.UpdateAccount = s.Session.Query(`
        UPDATE accounts SET password_hash = ?, name = ?, avatar_url = ?,
            email_verified = ?, is_active = ?, two_factor_enabled = ?,
            two_factor_secret = ?, backup_code_hashes = ?, linked_providers = ?,
            terms_accepted_at = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateLastLogin = s.Session.Query(`
        UPDATE accounts SET last_login_at = ? WHERE account_bucket = ? AND account_id = ?`)

	prepared.GetSessionByID = s.Session.Query(`
        SELECT session_id, account_id, device_id, user_agent, ip_address,
            created_at, ended_at
        FROM sessions WHERE session_id = ?`)

	prepared.EndSession = s.Session.Query(`
        UPDATE sessions SET ended_at = ? WHERE session_id = ?`)

	prepared.ListSessionsByAcct = s.Session.Query(`
        SELECT session_id FROM sessions_by_account WHERE account_id = ? LIMIT ?`)

	s.Prepared = prepared
	s.isPrepared = true
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ScanWithRetry retries transient read failures with a short backoff.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			if err == gocql.ErrNotFound {
				return err
			}
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
