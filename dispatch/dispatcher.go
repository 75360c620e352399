package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	OutcomeCreated = "created"
	OutcomeAdopted = "adopted"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

type Dispatcher struct {
	Tracker Tracker
	Tickets TicketStore
	Locker  utils.Locker
	Owners  OwnerResolver
	Payload PayloadSettings
	Retry   RetryPolicy
	LockTTL time.Duration
	Logger  *logrus.Logger
	// Observe, when set, is told the outcome of every alert.
	Observe func(outcome string)
}

func NewDispatcher(tracker Tracker, tickets TicketStore, locker utils.Locker, logger *logrus.Logger) *Dispatcher {
	if locker == nil {
		locker = utils.NewLocalLocker()
	}
	return &Dispatcher{
		Tracker: tracker,
		Tickets: tickets,
		Locker:  locker,
		Payload: PayloadSettings{TitlePrefix: "[QC]"},
		Retry:   DefaultRetryPolicy(),
		LockTTL: 3 * time.Minute,
		Logger:  logger,
	}
}

type Options struct {
	ReportID string
	// LookupExisting asks the tracker for a ticket tagged with the hash
	// before creating one. Used by resync.
	LookupExisting bool
}

type Result struct {
	Tickets map[string]string
	Created []string
	Adopted []string
	Skipped []string
	Failed  map[string]*ExternalDispatchError
}

// Degraded reports whether any alert exhausted its retry budget.
func (r Result) Degraded() bool { return len(r.Failed) > 0 }

func (r Result) FailedHashes() []string {
	out := make([]string, 0, len(r.Failed))
	for h := range r.Failed {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Dispatch creates one ticket per alert whose content hash is not yet in
// existing. A failing alert is recorded in Result.Failed and the rest still
// run. Ticket creation for a subject happens under that subject's lock.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []analytics.AlertRecord, existing map[string]string, opts Options) Result {
	res := Result{Tickets: map[string]string{}, Failed: map[string]*ExternalDispatchError{}}
	byTicket := map[string]string{}
	for h, id := range existing {
		res.Tickets[h] = id
		byTicket[id] = h
	}

	for _, a := range alerts {
		if _, ok := res.Tickets[a.ContentHash]; ok {
			res.Skipped = append(res.Skipped, a.ContentHash)
			d.observe(OutcomeSkipped)
			continue
		}

		id, created, err := d.dispatchOne(ctx, a, opts)
		if err == nil {
			if other, dup := byTicket[id]; dup && other != a.ContentHash {
				err = &ExternalDispatchError{ContentHash: a.ContentHash, Err: fmt.Errorf("tracker returned ticket %s already mapped to %s", id, other)}
			}
		}
		if err != nil {
			var de *ExternalDispatchError
			if !errors.As(err, &de) {
				de = &ExternalDispatchError{ContentHash: a.ContentHash, Err: err}
			}
			res.Failed[a.ContentHash] = de
			d.observe(OutcomeFailed)
			if d.Logger != nil {
				d.Logger.WithFields(logrus.Fields{
					"field":        "Dispatcher",
					"report_id":    opts.ReportID,
					"content_hash": a.ContentHash,
					"alert_kind":   a.Kind,
					"subject_ref":  a.SubjectRef,
					"attempts":     de.Attempts,
				}).Warn("alert dispatch failed: " + de.Err.Error())
			}
			continue
		}

		res.Tickets[a.ContentHash] = id
		byTicket[id] = a.ContentHash
		if created {
			res.Created = append(res.Created, a.ContentHash)
			d.observe(OutcomeCreated)
		} else {
			res.Adopted = append(res.Adopted, a.ContentHash)
			d.observe(OutcomeAdopted)
		}
	}
	return res
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a analytics.AlertRecord, opts Options) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Err: err}
	}
	// LockTTL must outlast the lookup, the create retries and the map retries;
	// config validates it against that budget.
	lock, err := d.Locker.Obtain(ctx, "qc:ticket:"+a.SubjectRef, d.LockTTL)
	if err != nil {
		return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Err: fmt.Errorf("lock subject %s: %w", a.SubjectRef, err)}
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && d.Logger != nil {
			config.LogError(d.Logger, "dispatch", "dispatchOne", "release subject lock", a.SubjectRef, releaseErr)
		}
	}()

	// Another run may have created the ticket while we waited for the lock.
	known, err := d.Tickets.LookupTickets(ctx, []string{a.ContentHash})
	if err != nil {
		return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Err: fmt.Errorf("lookup ticket map: %w", err)}
	}
	if id, ok := known[a.ContentHash]; ok {
		return id, false, nil
	}

	rec := TicketRecord{
		ContentHash: a.ContentHash,
		SubjectRef:  a.SubjectRef,
		AlertKind:   string(a.Kind),
		ReportID:    opts.ReportID,
		TrackerMode: d.Tracker.Mode(),
	}

	if opts.LookupExisting {
		findCtx, cancel := d.Retry.callContext(ctx)
		id, found, err := d.Tracker.FindTicket(findCtx, a.ContentHash)
		cancel()
		if err != nil {
			return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Attempts: 1, Err: fmt.Errorf("find ticket: %w", err)}
		}
		if found {
			rec.TicketID = id
			if err := d.recordTicket(ctx, rec); err != nil && !errors.Is(err, ErrTicketExists) {
				d.logStoreError(a, err)
				return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Attempts: 1, Err: fmt.Errorf("record adopted ticket %s: %w", id, err)}
			}
			return id, false, nil
		}
	}

	payload := BuildPayload(ctx, a, d.Owners, d.Payload)
	id, attempts, err := createTicket(ctx, d.Tracker, payload, d.Retry)
	if err != nil {
		return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Attempts: attempts, Err: err}
	}

	rec.TicketID = id
	if err := d.recordTicket(ctx, rec); err != nil {
		if errors.Is(err, ErrTicketExists) {
			stored, lerr := d.Tickets.LookupTickets(ctx, []string{a.ContentHash})
			if lerr == nil && stored[a.ContentHash] != "" {
				if d.Logger != nil {
					d.Logger.WithFields(logrus.Fields{
						"field":        "Dispatcher",
						"content_hash": a.ContentHash,
						"orphan":       id,
						"kept":         stored[a.ContentHash],
					}).Warn("ticket map already had this hash; keeping the stored ticket")
				}
				return stored[a.ContentHash], false, nil
			}
		}
		// The tracker has the ticket but the map does not. Reporting it as
		// failed degrades the run, and resync adopts the ticket by its hash tag.
		d.logStoreError(a, err)
		return "", false, &ExternalDispatchError{ContentHash: a.ContentHash, Attempts: attempts, Err: fmt.Errorf("record ticket %s: %w", id, err)}
	}
	return id, true, nil
}

// recordTicket writes the ticket map row, retrying transient store errors
// with the dispatch backoff. ErrTicketExists is returned at once.
func (d *Dispatcher) recordTicket(ctx context.Context, rec TicketRecord) error {
	op := func() error {
		err := d.Tickets.InsertTicket(context.WithoutCancel(ctx), rec)
		if errors.Is(err, ErrTicketExists) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, d.Retry.backOff(ctx))
}

func (d *Dispatcher) logStoreError(a analytics.AlertRecord, err error) {
	if d.Logger != nil {
		config.LogError(d.Logger, "dispatch", "dispatchOne", "insert ticket map", a.ContentHash, err)
	}
}

func (d *Dispatcher) observe(outcome string) {
	if d.Observe != nil {
		d.Observe(outcome)
	}
}
