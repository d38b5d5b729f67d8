// Package notify delivers notifications to a principal's live sockets and push
// destinations. Each destination is attempted independently and its outcome
// recorded; destinations that report a permanent failure are deactivated.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/retry"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 16
)

type Status string

const (
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusNoDestinations Status = "no_destinations"
	StatusSkipped        Status = "skipped_by_preference"
)

// Outcome aggregates one dispatch.
type Outcome struct {
	UserID         domain.UserID `json:"user_id"`
	NotificationID int64         `json:"notification_id"`
	Status         Status        `json:"status"`
	Attempted      int           `json:"attempted"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Deactivated    int           `json:"deactivated"`
	LiveDelivered  int           `json:"live_delivered"`
}

// Summary holds per-principal results of DispatchToMany.
type Summary struct {
	Outcomes map[domain.UserID]Outcome
	Errors   map[domain.UserID]error
}

func (s Summary) Totals() (attempted, succeeded int) {
	for _, o := range s.Outcomes {
		attempted += o.Attempted
		succeeded += o.Succeeded
	}
	return attempted, succeeded
}

// LiveNotifier reaches a principal's sockets on this instance.
type LiveNotifier interface {
	SendToUser(ctx context.Context, user domain.UserID, ev domain.Event) int
}

type Config struct {
	Timeout     time.Duration
	Concurrency int
	Retry       retry.Policy
	NodeID      string
}

type Dispatcher struct {
	store     domain.NotificationStore
	live      LiveNotifier
	relay     domain.Relay
	providers map[domain.Platform]domain.PushProvider
	clock     clockwork.Clock
	cfg       Config
	tracer    trace.Tracer
}

func NewDispatcher(store domain.NotificationStore, live LiveNotifier, relay domain.Relay, providers map[domain.Platform]domain.PushProvider, clock clockwork.Clock, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = clock
	}
	return &Dispatcher{
		store:     store,
		live:      live,
		relay:     relay,
		providers: providers,
		clock:     clock,
		cfg:       cfg,
		tracer:    tracing.Tracer(),
	}
}

// Dispatch delivers n to user. Delivery failures never surface as an error;
// they are counted in the outcome. An error means a store lookup failed before
// any push was attempted, or the attempt records could not be written.
func (d *Dispatcher) Dispatch(ctx context.Context, user domain.UserID, n domain.Notification) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(
		attribute.Int64("user_id", int64(user)),
		attribute.Int64("notification_id", n.ID),
		attribute.String("notification_type", string(n.Type)),
	))
	defer span.End()

	out := Outcome{UserID: user, NotificationID: n.ID}

	dests, err := d.store.ActiveDestinationsFor(ctx, user)
	if err != nil {
		span.RecordError(err)
		return out, fmt.Errorf("failed to load destinations: %w", err)
	}
	pref, err := d.store.PreferencesFor(ctx, user, n.Type)
	if err != nil {
		span.RecordError(err)
		return out, fmt.Errorf("failed to load preferences: %w", err)
	}

	if pref.InAppEnabled {
		out.LiveDelivered = d.notifyLive(ctx, user, n)
	}

	switch {
	case len(dests) == 0:
		out.Status = StatusNoDestinations
	case !pref.PushEnabled:
		out.Status = StatusSkipped
	}
	if out.Status != "" {
		metrics.DispatchOutcomesTotal.WithLabelValues(string(out.Status)).Inc()
		span.SetAttributes(attribute.String("status", string(out.Status)))
		return out, nil
	}

	badge, err := d.store.UnreadCount(ctx, user)
	if err != nil {
		slog.WarnContext(ctx, "Unread count unavailable, sending without badge", "user_id", user, "error", err)
		badge = 0
	}
	payload := domain.PushPayload{
		NotificationID: n.ID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Body,
		Badge:          badge,
		Data:           n.Data,
	}

	attempts := make([]attemptRecord, len(dests))
	var wg sync.WaitGroup
	for i, dest := range dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts[i] = d.attempt(ctx, n.ID, dest, payload)
		}()
	}
	wg.Wait()

	var permanent []domain.Destination
	for i, a := range attempts {
		out.Attempted++
		if a.Status == domain.DeliverySent {
			out.Succeeded++
			continue
		}
		out.Failed++
		if a.isPermanent {
			permanent = append(permanent, dests[i])
		}
	}

	recordErr := d.record(ctx, attempts)

	for _, dest := range permanent {
		if err := d.store.DeactivateDestination(ctx, dest.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to deactivate destination", "destination_id", dest.ID, "error", err)
			continue
		}
		out.Deactivated++
		metrics.DestinationsDeactivated.WithLabelValues(string(dest.Platform)).Inc()
		slog.InfoContext(ctx, "Destination deactivated", "destination_id", dest.ID, "user_id", user, "platform", dest.Platform)
	}

	out.Status = StatusFailed
	if out.Succeeded > 0 {
		out.Status = StatusDelivered
	}
	metrics.DispatchOutcomesTotal.WithLabelValues(string(out.Status)).Inc()
	span.SetAttributes(
		attribute.String("status", string(out.Status)),
		attribute.Int("attempted", out.Attempted),
		attribute.Int("succeeded", out.Succeeded),
	)
	slog.DebugContext(ctx, "Dispatch finished", "user_id", user, "notification_id", n.ID,
		"attempted", out.Attempted, "succeeded", out.Succeeded, "deactivated", out.Deactivated)

	if recordErr != nil {
		span.RecordError(recordErr)
		return out, fmt.Errorf("failed to record delivery attempts: %w", recordErr)
	}
	return out, nil
}

func (d *Dispatcher) notifyLive(ctx context.Context, user domain.UserID, n domain.Notification) int {
	ev := domain.Event{
		Kind:      domain.EventNotificationNew,
		UserID:    user,
		Timestamp: d.clock.Now(),
		Payload:   n,
	}
	delivered := d.live.SendToUser(ctx, user, ev)
	env := domain.Envelope{Origin: d.cfg.NodeID, Scope: domain.ScopeUser, UserID: user, Event: ev}
	if err := d.relay.Publish(ctx, env); err != nil {
		slog.WarnContext(ctx, "Notification relay publish failed", "user_id", user, "error", err)
	}
	return delivered
}

// attemptRecord pairs the audit row with whether the failure was permanent.
// The flag is acted on, never persisted.
type attemptRecord struct {
	domain.DeliveryAttempt
	isPermanent bool
}

func (d *Dispatcher) attempt(ctx context.Context, notificationID int64, dest domain.Destination, payload domain.PushPayload) attemptRecord {
	ctx, span := d.tracer.Start(ctx, "notify.attempt", trace.WithAttributes(
		attribute.Int64("destination_id", dest.ID),
		attribute.String("platform", string(dest.Platform)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := d.clock.Now()
	id, err := d.send(ctx, dest, payload)
	metrics.DeliveryDuration.WithLabelValues(string(dest.Platform)).Observe(d.clock.Since(start).Seconds())

	rec := attemptRecord{DeliveryAttempt: domain.DeliveryAttempt{
		NotificationID:    notificationID,
		DestinationID:     dest.ID,
		Status:            domain.DeliverySent,
		ProviderMessageID: id,
		AttemptedAt:       start,
	}}
	if err == nil {
		metrics.DeliveryAttemptsTotal.WithLabelValues(string(dest.Platform), "sent").Inc()
		return rec
	}

	rec.Status = domain.DeliveryFailed
	rec.ProviderMessageID = ""
	rec.Error = err.Error()
	rec.isPermanent = domain.IsPermanentDelivery(err)
	result := "transient"
	if rec.isPermanent {
		result = "permanent"
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues(string(dest.Platform), result).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, result)
	slog.InfoContext(ctx, "Push delivery failed", "destination_id", dest.ID, "platform", dest.Platform, "permanent", rec.isPermanent, "error", err)
	return rec
}

// send runs the provider call under the attempt deadline. A provider that
// ignores its context, or panics, still yields a transient failure.
func (d *Dispatcher) send(ctx context.Context, dest domain.Destination, payload domain.PushPayload) (string, error) {
	provider, ok := d.providers[dest.Platform]
	if !ok {
		return "", fmt.Errorf("%w: no provider for platform %q", domain.ErrTransientDelivery, dest.Platform)
	}

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: provider panic: %v", domain.ErrTransientDelivery, r)}
			}
		}()
		id, err := retry.Do(ctx, d.cfg.Retry, classify, func(ctx context.Context) (string, error) {
			return provider.Send(ctx, dest.Token, payload)
		})
		ch <- result{id: id, err: err}
	}()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", domain.ErrTransientDelivery, ctx.Err())
	}
}

func classify(err error) retry.Action {
	switch {
	case domain.IsPermanentDelivery(err):
		return retry.Stop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	}
	var throttled retry.RetryAfter
	if errors.As(err, &throttled) {
		return retry.After
	}
	return retry.Retry
}

func (d *Dispatcher) record(ctx context.Context, recs []attemptRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]domain.DeliveryAttempt, len(recs))
	for i, r := range recs {
		rows[i] = r.DeliveryAttempt
	}
	return retry.DoVoid(ctx, d.cfg.Retry, classifyStore, func(ctx context.Context) error {
		return d.store.RecordDeliveryAttempts(ctx, rows)
	})
}

func classifyStore(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}

// DispatchToMany creates one notification per principal from tmpl and
// dispatches them concurrently. One principal's failure never affects another.
func (d *Dispatcher) DispatchToMany(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) Summary {
	summary := Summary{
		Outcomes: make(map[domain.UserID]Outcome, len(users)),
		Errors:   make(map[domain.UserID]error),
	}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)

	seen := make(map[domain.UserID]struct{}, len(users))
	for _, user := range users {
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}

		g.Go(func() error {
			out, err := d.dispatchOne(ctx, user, tmpl)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors[user] = err
			}
			if out != nil {
				summary.Outcomes[user] = *out
			}
			return nil
		})
	}
	_ = g.Wait()

	return summary
}

func (d *Dispatcher) dispatchOne(ctx context.Context, user domain.UserID, tmpl domain.NotificationTemplate) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch to user %d panicked: %v", user, r)
		}
	}()

	n, err := d.store.CreateNotification(ctx, user, tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	o, err := d.Dispatch(ctx, user, *n)
	return &o, err
}
