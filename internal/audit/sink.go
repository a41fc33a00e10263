// Package audit records security-sensitive outcomes. Events are written to
// ClickHouse for analytics and indexed into Elasticsearch for per-account
// history queries. Recording never fails the calling flow: sink errors are
// logged and dropped.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskauth/internal/bucketing"
	"taskauth/internal/client"
	"taskauth/internal/models"
	"taskauth/internal/util"
)

const recordTimeout = 5 * time.Second

// Sink receives security events and answers account-history queries.
type Sink interface {
	Record(ctx context.Context, event *models.SecurityEvent)
	Search(ctx context.Context, accountID string, limit int) ([]*models.SecurityEvent, error)
}

type sink struct {
	clickhouse *client.ClickHouseClient
	elastic    *client.ESClient
	buckets    *bucketing.Manager
}

func NewSink(ch *client.ClickHouseClient, es *client.ESClient, buckets *bucketing.Manager) Sink {
	return &sink{clickhouse: ch, elastic: es, buckets: buckets}
}

func (s *sink) Record(ctx context.Context, event *models.SecurityEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	event.EventBucket = s.buckets.EventBucket(event.AccountID)

	// Detach from the request context so a client disconnect does not drop
	// the audit record.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	g, writeCtx := errgroup.WithContext(writeCtx)
	g.Go(func() error { return s.insertClickhouse(writeCtx, event) })
	g.Go(func() error { return s.indexElastic(writeCtx, event) })

	if err := g.Wait(); err != nil {
		util.Error("Failed to record security event",
			zap.String("account_id", event.AccountID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (s *sink) insertClickhouse(ctx context.Context, event *models.SecurityEvent) error {
	err := s.clickhouse.Conn.Exec(ctx, `
        INSERT INTO security_events (
            event_bucket, account_id, event_time, event_type, method,
            outcome, ip_address, device_id, session_id, details
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventBucket, event.AccountID, event.EventTime, event.EventType,
		event.Method, event.Outcome, event.IPAddress, event.DeviceID,
		event.SessionID, event.Details,
	)
	if err != nil {
		return fmt.Errorf("clickhouse insert failed: %w", err)
	}
	return nil
}

func (s *sink) indexElastic(ctx context.Context, event *models.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}

	es := s.elastic.Client
	res, err := es.Index(
		s.elastic.EventIndex(),
		bytes.NewReader(payload),
		es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch index failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index returned %s", res.Status())
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// Search returns the most recent events for an account, newest first.
func (s *sink) Search(ctx context.Context, accountID string, limit int) ([]*models.SecurityEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"account_id": accountID,
			},
		},
		"sort": []map[string]interface{}{
			{"event_time": map[string]string{"order": "desc"}},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	es := s.elastic.Client
	res, err := es.Search(
		es.Search.WithContext(ctx),
		es.Search.WithIndex(s.elastic.EventIndex()),
		es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search returned %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source models.SecurityEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	events := make([]*models.SecurityEvent, 0, len(parsed.Hits.Hits))
	for i := range parsed.Hits.Hits {
		events = append(events, &parsed.Hits.Hits[i].Source)
	}
	return events, nil
}

// NopSink discards all events. Used in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, *models.SecurityEvent) {}

func (NopSink) Search(context.Context, string, int) ([]*models.SecurityEvent, error) {
	return nil, nil
}
