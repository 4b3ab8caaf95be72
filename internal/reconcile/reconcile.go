// Package reconcile keeps the last known status of every payment and decides
// whether an incoming observation may overwrite it. Webhooks, redirects and
// status polls arrive in any order; the policy here makes the outcome
// independent of arrival order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
)

// Outcome reports what happened to an update.
type Outcome string

const (
	// Applied means the update replaced (or created) the stored record.
	Applied Outcome = "applied"
	// Duplicate means the stored record already reflects the update.
	Duplicate Outcome = "duplicate"
	// Stale means a newer observation is already stored.
	Stale Outcome = "stale"
)

// Update sources.
const (
	SourceWebhook = "webhook"
	SourceCreate  = "create"
	SourceConfirm = "confirm"
	SourceStatus  = "status"
)

// ErrInvalidUpdate is returned for updates missing their identity or carrying
// a status outside the normalised vocabulary.
var ErrInvalidUpdate = errors.New("reconcile: invalid update")

// Update is one observation of a payment's status.
type Update struct {
	Provider   string                   `json:"provider"`
	ExternalID string                   `json:"externalId"`
	Status     payment.NormalizedStatus `json:"status"`
	Amount     decimal.Decimal          `json:"amount"`
	Currency   string                   `json:"currency"`
	Reference  string                   `json:"reference,omitempty"`
	// ObservedAt is the provider-side time of the observation. Zero means
	// the provider did not report one.
	ObservedAt time.Time `json:"observedAt"`
	// ReceivedAt is when this service obtained a synchronous answer. It is
	// on our clock and is only compared with other receipt times.
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
	Source     string    `json:"source"`
}

// Record is the stored state of a payment.
type Record struct {
	Provider   string                   `json:"provider"`
	ExternalID string                   `json:"externalId"`
	Status     payment.NormalizedStatus `json:"status"`
	Amount     decimal.Decimal          `json:"amount"`
	Currency   string                   `json:"currency"`
	Reference  string                   `json:"reference,omitempty"`
	ObservedAt time.Time                `json:"observedAt"`
	ReceivedAt time.Time                `json:"receivedAt,omitempty"`
	Source     string                   `json:"source"`
	UpdatedAt  time.Time                `json:"updatedAt"`
}

// FromEvent converts a verified webhook event into an update.
func FromEvent(evt *payment.WebhookEvent) Update {
	return Update{
		Provider:   evt.Provider,
		ExternalID: evt.ExternalID,
		Status:     evt.Status,
		Amount:     evt.Amount,
		Currency:   evt.Currency,
		Reference:  evt.Reference,
		ObservedAt: evt.OccurredAt,
		Source:     SourceWebhook,
	}
}

// FromResult converts a synchronous provider answer into an update.
// receivedAt is kept apart from the provider's own timestamp.
func FromResult(res payment.PaymentResult, source string, receivedAt time.Time) Update {
	u := Update{
		Provider:   res.Provider,
		ExternalID: res.ExternalID,
		Status:     res.Status,
		Amount:     res.Amount,
		Currency:   res.Currency,
		Reference:  res.Reference,
		Source:     source,
	}
	if !res.UpdatedAt.IsZero() {
		u.ObservedAt = res.UpdatedAt.UTC()
	}
	if !receivedAt.IsZero() {
		u.ReceivedAt = receivedAt.UTC()
	}
	return u
}

// clock ranks how trustworthy an observation's time is.
type clock int

const (
	clockNone clock = iota
	clockReceipt
	clockProvider
)

func clockOf(observed, received time.Time) (clock, time.Time) {
	switch {
	case !observed.IsZero():
		return clockProvider, observed
	case !received.IsZero():
		return clockReceipt, received
	default:
		return clockNone, time.Time{}
	}
}

// Decide reports the outcome of writing next over current; current is nil when
// nothing is stored yet.
//
// Times are only compared when both sides were stamped by the same clock:
// provider time against provider time, receipt time against receipt time.
// There a write applies when it is strictly newer, and on a tie a terminal
// status beats a non-terminal one. Across clocks the better-stamped side wins
// unless that would move a terminal record back to a non-terminal status; a
// worse-stamped update only applies when it turns a non-terminal record
// terminal.
func Decide(current *Record, next Update) Outcome {
	if current == nil {
		return Applied
	}
	curClock, curAt := clockOf(current.ObservedAt, current.ReceivedAt)
	nextClock, nextAt := clockOf(next.ObservedAt, next.ReceivedAt)
	switch {
	case curClock == nextClock && curClock == clockNone:
		if current.Status == next.Status {
			return Duplicate
		}
		return Applied
	case curClock == nextClock:
		return byTime(current.Status, curAt, next.Status, nextAt)
	case nextClock > curClock:
		if current.Status.Terminal() && !next.Status.Terminal() {
			return Stale
		}
		return Applied
	default:
		switch {
		case current.Status == next.Status:
			return Duplicate
		case next.Status.Terminal() && !current.Status.Terminal():
			return Applied
		default:
			return Stale
		}
	}
}

func byTime(curStatus payment.NormalizedStatus, curAt time.Time, nextStatus payment.NormalizedStatus, nextAt time.Time) Outcome {
	if nextAt.After(curAt) {
		return Applied
	}
	if nextAt.Before(curAt) {
		return Stale
	}
	switch {
	case curStatus == nextStatus:
		return Duplicate
	case nextStatus.Terminal() && !curStatus.Terminal():
		return Applied
	default:
		return Stale
	}
}

func (u Update) validate() error {
	if strings.TrimSpace(u.Provider) == "" || strings.TrimSpace(u.ExternalID) == "" {
		return fmt.Errorf("%w: provider and external id are required", ErrInvalidUpdate)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidUpdate, u.Status)
	}
	return nil
}

func (u Update) record(now time.Time) Record {
	return Record{
		Provider:   u.Provider,
		ExternalID: u.ExternalID,
		Status:     u.Status,
		Amount:     u.Amount,
		Currency:   u.Currency,
		Reference:  u.Reference,
		ObservedAt: u.ObservedAt.UTC(),
		ReceivedAt: u.ReceivedAt.UTC(),
		Source:     u.Source,
		UpdatedAt:  now.UTC(),
	}
}

// Store persists records. CompareAndSet must run Decide and the write
// atomically with respect to other writers of the same payment.
//
// References map a provider's merchant reference to the record that opened
// the checkout, for providers that later report under another id.
type Store interface {
	Get(ctx context.Context, provider, externalID string) (Record, bool, error)
	CompareAndSet(ctx context.Context, u Update) (Outcome, Record, error)
	// LinkReference makes externalID the owner of reference unless one is
	// already set.
	LinkReference(ctx context.Context, provider, reference, externalID string) error
	ReferenceOwner(ctx context.Context, provider, reference string) (string, bool, error)
}

// Reconciler applies updates to a Store and records the outcome.
type Reconciler struct {
	store  Store
	logger zerolog.Logger
}

// New builds a Reconciler over store.
func New(store Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Apply validates u and writes it if the policy allows. The returned record is
// what is stored after the call.
//
// A webhook carrying a reference is also applied to the record owning that
// reference, so a checkout opened under one id sees outcomes reported under
// another.
func (r *Reconciler) Apply(ctx context.Context, u Update) (Outcome, Record, error) {
	if err := u.validate(); err != nil {
		return "", Record{}, err
	}
	outcome, rec, err := r.write(ctx, u)
	if err != nil {
		return "", Record{}, err
	}
	if u.Reference == "" {
		return outcome, rec, nil
	}
	if u.Source != SourceWebhook {
		if err := r.store.LinkReference(ctx, u.Provider, u.Reference, u.ExternalID); err != nil {
			return "", Record{}, fmt.Errorf("reconcile: link reference %s/%s: %w", u.Provider, u.Reference, err)
		}
		return outcome, rec, nil
	}
	owner, ok, err := r.store.ReferenceOwner(ctx, u.Provider, u.Reference)
	if err != nil {
		return "", Record{}, fmt.Errorf("reconcile: resolve reference %s/%s: %w", u.Provider, u.Reference, err)
	}
	if ok && owner != u.ExternalID {
		linked := u
		linked.ExternalID = owner
		if _, _, err := r.write(ctx, linked); err != nil {
			return "", Record{}, err
		}
	}
	return outcome, rec, nil
}

func (r *Reconciler) write(ctx context.Context, u Update) (Outcome, Record, error) {
	outcome, rec, err := r.store.CompareAndSet(ctx, u)
	if err != nil {
		return "", Record{}, fmt.Errorf("reconcile: store %s/%s: %w", u.Provider, u.ExternalID, err)
	}
	if obs.ReconcileTotal != nil {
		obs.ReconcileTotal.WithLabelValues(u.Provider, string(outcome)).Inc()
	}
	if outcome == Stale && u.Source == SourceWebhook && u.Status.Terminal() && !rec.Status.Terminal() {
		r.logger.Warn().
			Str("provider", u.Provider).
			Str("external_id", u.ExternalID).
			Str("status", string(u.Status)).
			Str("stored_status", string(rec.Status)).
			Time("observed_at", u.ObservedAt).
			Time("stored_observed_at", rec.ObservedAt).
			Msg("terminal webhook status lost to newer record")
		return outcome, rec, nil
	}
	evt := r.logger.Debug()
	if outcome == Applied {
		evt = r.logger.Info()
	}
	evt.Str("provider", u.Provider).
		Str("external_id", u.ExternalID).
		Str("status", string(u.Status)).
		Str("source", u.Source).
		Str("outcome", string(outcome)).
		Msg("payment status reconciled")
	return outcome, rec, nil
}

// Current returns the stored record for a payment.
func (r *Reconciler) Current(ctx context.Context, provider, externalID string) (Record, bool, error) {
	return r.store.Get(ctx, provider, externalID)
}
