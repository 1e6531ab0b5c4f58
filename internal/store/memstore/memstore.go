// Package memstore is the in-process store implementation. It backs tests
// and single-node deployments where durability is not required.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/driver"
)

type Store struct {
	mu sync.Mutex

	events       map[int64]*models.Event
	byDeliveryID map[string]int64
	attempts     []*models.DeliveryAttempt
	subscribers  map[int64]*models.Subscriber
	transports   map[int64]*models.Transport // keyed by subscriber id

	nextEventID      int64
	nextAttemptID    int64
	nextSubscriberID int64
	nextTransportID  int64
}

var _ driver.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		events:       make(map[int64]*models.Event),
		byDeliveryID: make(map[string]int64),
		subscribers:  make(map[int64]*models.Subscriber),
		transports:   make(map[int64]*models.Transport),
	}
}

func (s *Store) StoreEvent(_ context.Context, event *models.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byDeliveryID[event.DeliveryID]; ok {
		return existing, driver.ErrDuplicateDeliveryID
	}

	s.nextEventID++
	stored := *event
	stored.ID = s.nextEventID
	stored.Status = models.EventStatusPending
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}
	s.events[stored.ID] = &stored
	s.byDeliveryID[stored.DeliveryID] = stored.ID
	return stored.ID, nil
}

func (s *Store) GetEvent(_ context.Context, eventID int64) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return nil, driver.ErrEventNotFound
	}
	out := *event
	return &out, nil
}

func (s *Store) SetEventStatus(_ context.Context, eventID int64, status models.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return driver.ErrEventNotFound
	}
	if event.Status == status {
		return nil
	}
	if !event.Status.CanTransition(status) {
		return driver.ErrInvalidTransition
	}
	event.Status = status
	if status.Terminal() || status == models.EventStatusFailed {
		now := time.Now().UTC()
		event.ProcessedAt = &now
	}
	return nil
}

func (s *Store) EventStats(_ context.Context) (driver.EventStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := driver.EventStats{}
	for _, event := range s.events {
		stats.Total++
		switch event.Status {
		case models.EventStatusPending, models.EventStatusProcessing:
			stats.Pending++
		case models.EventStatusFailed, models.EventStatusDeadLetter:
			stats.Failed++
		case models.EventStatusCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

func (s *Store) RecordAttempt(_ context.Context, attempt *models.DeliveryAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[attempt.EventID]; !ok {
		return 0, driver.ErrEventNotFound
	}

	s.nextAttemptID++
	stored := *attempt
	stored.ID = s.nextAttemptID
	if stored.AttemptedAt.IsZero() {
		stored.AttemptedAt = time.Now().UTC()
	}
	s.attempts = append(s.attempts, &stored)
	return stored.ID, nil
}

func (s *Store) ListAttempts(_ context.Context, eventID int64) ([]*models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DeliveryAttempt
	for _, attempt := range s.attempts {
		if attempt.EventID == eventID {
			cp := *attempt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubscriberID != out[j].SubscriberID {
			return out[i].SubscriberID < out[j].SubscriberID
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *Store) ScheduleRetry(_ context.Context, eventID, subscriberID int64, attemptNumber int, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *models.DeliveryAttempt
	for _, attempt := range s.attempts {
		if attempt.EventID == eventID && attempt.SubscriberID == subscriberID && attempt.AttemptNumber == attemptNumber {
			target = attempt
			break
		}
	}
	if target == nil {
		// Nothing may change on the not-found path.
		return driver.ErrAttemptNotFound
	}
	for _, attempt := range s.attempts {
		if attempt.EventID == eventID && attempt.SubscriberID == subscriberID {
			// Only one scheduled retry may exist per (event, subscriber).
			attempt.NextRetryAt = nil
		}
	}
	due := when.UTC()
	target.NextRetryAt = &due
	return nil
}

func (s *Store) ClearRetry(_ context.Context, eventID, subscriberID int64, attemptNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, attempt := range s.attempts {
		if attempt.EventID == eventID && attempt.SubscriberID == subscriberID && attempt.AttemptNumber == attemptNumber {
			attempt.NextRetryAt = nil
			return nil
		}
	}
	return driver.ErrAttemptNotFound
}

func (s *Store) PendingRetries(_ context.Context, limit int) ([]*models.RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	now := time.Now()
	var due []*models.DeliveryAttempt
	for _, attempt := range s.attempts {
		if attempt.NextRetryAt != nil && !attempt.NextRetryAt.After(now) {
			due = append(due, attempt)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	var tasks []*models.RetryTask
	for _, attempt := range due {
		event, ok := s.events[attempt.EventID]
		if !ok {
			attempt.NextRetryAt = nil
			continue
		}
		dueAt := *attempt.NextRetryAt
		// Claim: clearing next_retry_at keeps concurrent pollers from
		// returning the same row.
		attempt.NextRetryAt = nil
		tasks = append(tasks, &models.RetryTask{
			AttemptID:        attempt.ID,
			EventID:          attempt.EventID,
			SubscriberID:     attempt.SubscriberID,
			NextAttempt:      attempt.AttemptNumber + 1,
			EventType:        event.Type,
			DeliveryID:       event.DeliveryID,
			Payload:          event.Payload,
			EncryptedHeaders: event.EncryptedHeaders,
			DueAt:            dueAt,
		})
	}
	return tasks, nil
}

func (s *Store) ResolveEventStatus(_ context.Context, eventID int64) (models.EventStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return "", driver.ErrEventNotFound
	}

	latest := make(map[int64]*models.DeliveryAttempt)
	for _, attempt := range s.attempts {
		if attempt.EventID != eventID {
			continue
		}
		if attempt.NextRetryAt != nil {
			// A retry is still scheduled; the event is not settled.
			return event.Status, nil
		}
		if cur, ok := latest[attempt.SubscriberID]; !ok || attempt.AttemptNumber > cur.AttemptNumber {
			latest[attempt.SubscriberID] = attempt
		}
	}
	if len(latest) == 0 {
		return event.Status, nil
	}

	for _, attempt := range latest {
		if !attemptSucceeded(attempt) {
			return models.EventStatusFailed, nil
		}
	}
	return models.EventStatusCompleted, nil
}

func attemptSucceeded(attempt *models.DeliveryAttempt) bool {
	if attempt.ErrorMessage != nil {
		return false
	}
	if attempt.StatusCode == nil {
		return true
	}
	return *attempt.StatusCode >= 200 && *attempt.StatusCode < 300
}

func (s *Store) FailureRate(_ context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total, failed int
	for _, event := range s.events {
		if event.ReceivedAt.Before(since) {
			continue
		}
		total++
		if event.Status == models.EventStatusFailed || event.Status == models.EventStatusDeadLetter {
			failed++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func (s *Store) GetSubscriber(_ context.Context, subscriberID int64) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subscriberID]
	if !ok {
		return nil, driver.ErrSubscriberNotFound
	}
	out := *sub
	return &out, nil
}

func (s *Store) ListSubscribers(_ context.Context) ([]*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetTransportFor(_ context.Context, subscriberID int64) (*models.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transport, ok := s.transports[subscriberID]
	if !ok {
		return nil, driver.ErrTransportNotFound
	}
	out := *transport
	return &out, nil
}

func (s *Store) CreateSubscriber(_ context.Context, sub *models.Subscriber, transport *models.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubscriberID++
	sub.ID = s.nextSubscriberID
	storedSub := *sub
	s.subscribers[storedSub.ID] = &storedSub

	s.nextTransportID++
	transport.ID = s.nextTransportID
	transport.SubscriberID = storedSub.ID
	storedTransport := *transport
	s.transports[storedSub.ID] = &storedTransport
	return nil
}

func (s *Store) DeleteSubscriber(_ context.Context, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[subscriberID]; !ok {
		return driver.ErrSubscriberNotFound
	}
	// A subscriber owns its transport; both go together.
	delete(s.subscribers, subscriberID)
	delete(s.transports, subscriberID)
	return nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }
