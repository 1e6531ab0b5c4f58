// Package pgstore is the Postgres-backed store. It is the production
// driver; memstore mirrors its semantics for tests.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/driver"
)

const uniqueViolation = "23505"

type pgStore struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) driver.Store {
	return &pgStore{db: db}
}

func (s *pgStore) StoreEvent(ctx context.Context, event *models.Event) (int64, error) {
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO events (delivery_id, event_type, payload, payload_hash, payload_size, encrypted_headers, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		RETURNING id
	`, event.DeliveryID, event.Type, event.Payload, event.PayloadHash, event.PayloadSize, event.EncryptedHeaders, receivedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			var existing int64
			if lookupErr := s.db.QueryRow(ctx,
				`SELECT id FROM events WHERE delivery_id = $1`, event.DeliveryID,
			).Scan(&existing); lookupErr != nil {
				return 0, lookupErr
			}
			return existing, driver.ErrDuplicateDeliveryID
		}
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *pgStore) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, delivery_id, event_type, payload, payload_hash, payload_size, encrypted_headers, status, received_at, processed_at
		FROM events
		WHERE id = $1
	`, eventID)
	return scanEvent(row)
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	event := &models.Event{}
	err := row.Scan(
		&event.ID,
		&event.DeliveryID,
		&event.Type,
		&event.Payload,
		&event.PayloadHash,
		&event.PayloadSize,
		&event.EncryptedHeaders,
		&event.Status,
		&event.ReceivedAt,
		&event.ProcessedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, driver.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return event, nil
}

func (s *pgStore) SetEventStatus(ctx context.Context, eventID int64, status models.EventStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current models.EventStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM events WHERE id = $1 FOR UPDATE`, eventID,
	).Scan(&current)
	if err == pgx.ErrNoRows {
		return driver.ErrEventNotFound
	}
	if err != nil {
		return err
	}

	if current == status {
		return tx.Commit(ctx)
	}
	if !current.CanTransition(status) {
		return driver.ErrInvalidTransition
	}

	if status.Terminal() || status == models.EventStatusFailed {
		_, err = tx.Exec(ctx,
			`UPDATE events SET status = $2, processed_at = NOW() WHERE id = $1`, eventID, status)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE events SET status = $2 WHERE id = $1`, eventID, status)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgStore) EventStats(ctx context.Context) (driver.EventStats, error) {
	var stats driver.EventStats
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
			COUNT(*) FILTER (WHERE status IN ('failed', 'dead_letter')),
			COUNT(*) FILTER (WHERE status = 'completed')
		FROM events
	`).Scan(&stats.Total, &stats.Pending, &stats.Failed, &stats.Completed)
	if err != nil {
		return driver.EventStats{}, fmt.Errorf("event stats: %w", err)
	}
	return stats, nil
}

func (s *pgStore) RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) (int64, error) {
	attemptedAt := attempt.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = time.Now().UTC()
	}

	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO delivery_attempts (event_id, subscriber_id, attempt_number, status_code, error_message, attempted_at, duration_ms, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, attempt.EventID, attempt.SubscriberID, attempt.AttemptNumber,
		attempt.StatusCode, attempt.ErrorMessage, attemptedAt, attempt.DurationMS, attempt.NextRetryAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, driver.ErrEventNotFound
		}
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return id, nil
}

func (s *pgStore) ListAttempts(ctx context.Context, eventID int64) ([]*models.DeliveryAttempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, subscriber_id, attempt_number, status_code, error_message, attempted_at, duration_ms, next_retry_at
		FROM delivery_attempts
		WHERE event_id = $1
		ORDER BY subscriber_id, attempt_number
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var attempts []*models.DeliveryAttempt
	for rows.Next() {
		attempt := &models.DeliveryAttempt{}
		if err := rows.Scan(
			&attempt.ID,
			&attempt.EventID,
			&attempt.SubscriberID,
			&attempt.AttemptNumber,
			&attempt.StatusCode,
			&attempt.ErrorMessage,
			&attempt.AttemptedAt,
			&attempt.DurationMS,
			&attempt.NextRetryAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return attempts, nil
}

func (s *pgStore) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Only the latest attempt for a (event, subscriber) pair carries a
	// scheduled retry.
	_, err = tx.Exec(ctx, `
		UPDATE delivery_attempts SET next_retry_at = NULL
		WHERE event_id = $1 AND subscriber_id = $2 AND next_retry_at IS NOT NULL
	`, eventID, subscriberID)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE delivery_attempts SET next_retry_at = $4
		WHERE event_id = $1 AND subscriber_id = $2 AND attempt_number = $3
	`, eventID, subscriberID, attemptNumber, when.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return driver.ErrAttemptNotFound
	}
	return tx.Commit(ctx)
}

func (s *pgStore) ClearRetry(ctx context.Context, eventID, subscriberID int64, attemptNumber int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_attempts SET next_retry_at = NULL
		WHERE event_id = $1 AND subscriber_id = $2 AND attempt_number = $3
	`, eventID, subscriberID, attemptNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return driver.ErrAttemptNotFound
	}
	return nil
}

func (s *pgStore) PendingRetries(ctx context.Context, limit int) ([]*models.RetryTask, error) {
	if limit <= 0 {
		limit = 100
	}

	// Claim-and-clear in one statement so concurrent schedulers never
	// return the same row. SKIP LOCKED keeps pollers from serializing.
	rows, err := s.db.Query(ctx, `
		UPDATE delivery_attempts a
		SET next_retry_at = NULL
		FROM (
			SELECT id, event_id, next_retry_at AS due_at
			FROM delivery_attempts
			WHERE next_retry_at IS NOT NULL AND next_retry_at <= NOW()
			ORDER BY next_retry_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) claimed
		JOIN events e ON e.id = claimed.event_id
		WHERE a.id = claimed.id
		RETURNING a.id, a.event_id, a.subscriber_id, a.attempt_number + 1,
			e.event_type, e.delivery_id, e.payload, e.encrypted_headers, claimed.due_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}
	defer rows.Close()

	var tasks []*models.RetryTask
	for rows.Next() {
		task := &models.RetryTask{}
		if err := rows.Scan(
			&task.AttemptID,
			&task.EventID,
			&task.SubscriberID,
			&task.NextAttempt,
			&task.EventType,
			&task.DeliveryID,
			&task.Payload,
			&task.EncryptedHeaders,
			&task.DueAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tasks, nil
}

func (s *pgStore) ResolveEventStatus(ctx context.Context, eventID int64) (models.EventStatus, error) {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return "", err
	}

	var scheduled int
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_attempts
		WHERE event_id = $1 AND next_retry_at IS NOT NULL
	`, eventID).Scan(&scheduled)
	if err != nil {
		return "", err
	}
	if scheduled > 0 {
		return event.Status, nil
	}

	// Latest attempt per subscriber decides the outcome.
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (subscriber_id) status_code, error_message
		FROM delivery_attempts
		WHERE event_id = $1
		ORDER BY subscriber_id, attempt_number DESC
	`, eventID)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	any := false
	allOK := true
	for rows.Next() {
		var statusCode *int
		var errorMessage *string
		if err := rows.Scan(&statusCode, &errorMessage); err != nil {
			return "", fmt.Errorf("scan failed: %w", err)
		}
		any = true
		if errorMessage != nil || (statusCode != nil && (*statusCode < 200 || *statusCode >= 300)) {
			allOK = false
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("rows error: %w", err)
	}

	if !any {
		return event.Status, nil
	}
	if allOK {
		return models.EventStatusCompleted, nil
	}
	return models.EventStatusFailed, nil
}

func (s *pgStore) FailureRate(ctx context.Context, since time.Time) (float64, error) {
	var total, failed int64
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('failed', 'dead_letter'))
		FROM events
		WHERE received_at >= $1
	`, since).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("failure rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func (s *pgStore) GetSubscriber(ctx context.Context, subscriberID int64) (*models.Subscriber, error) {
	sub := &models.Subscriber{}
	err := s.db.QueryRow(ctx, `
		SELECT id, name, event_types FROM subscribers WHERE id = $1
	`, subscriberID).Scan(&sub.ID, &sub.Name, &sub.EventTypes)
	if err == pgx.ErrNoRows {
		return nil, driver.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return sub, nil
}

func (s *pgStore) ListSubscribers(ctx context.Context) ([]*models.Subscriber, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, event_types FROM subscribers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscriber
	for rows.Next() {
		sub := &models.Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.EventTypes); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return subs, nil
}

func (s *pgStore) GetTransportFor(ctx context.Context, subscriberID int64) (*models.Transport, error) {
	transport := &models.Transport{}
	err := s.db.QueryRow(ctx, `
		SELECT id, subscriber_id, kind, config FROM transports WHERE subscriber_id = $1
	`, subscriberID).Scan(&transport.ID, &transport.SubscriberID, &transport.Kind, &transport.Config)
	if err == pgx.ErrNoRows {
		return nil, driver.ErrTransportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return transport, nil
}

func (s *pgStore) CreateSubscriber(ctx context.Context, sub *models.Subscriber, transport *models.Transport) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO subscribers (name, event_types) VALUES ($1, $2) RETURNING id
	`, sub.Name, sub.EventTypes).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}

	transport.SubscriberID = sub.ID
	err = tx.QueryRow(ctx, `
		INSERT INTO transports (subscriber_id, kind, config) VALUES ($1, $2, $3) RETURNING id
	`, transport.SubscriberID, transport.Kind, transport.Config).Scan(&transport.ID)
	if err != nil {
		return fmt.Errorf("insert transport: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *pgStore) DeleteSubscriber(ctx context.Context, subscriberID int64) error {
	// transports row goes with it via ON DELETE CASCADE
	tag, err := s.db.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, subscriberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return driver.ErrSubscriberNotFound
	}
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *pgStore) Close() error {
	s.db.Close()
	return nil
}
