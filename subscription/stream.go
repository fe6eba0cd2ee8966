package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"leasechain/ledger"
	"leasechain/reconcile"
)

const stoppedBackOffWait = time.Minute

// run follows one stream until its context ends, reconnecting after every
// transport or store failure. Each (re)connect backfills from the checkpoint
// so nothing emitted while disconnected is lost. Held events are replayed the
// same way, without counting as a failure.
func (m *Manager) run(ctx context.Context, s *stream) {
	defer m.wg.Done()

	log := m.log.With(
		"agreement_id", s.target.AgreementID,
		"kind", s.target.Kind,
		"address", ledger.FormatAddress(s.target.Address),
		"event", s.event,
	)
	retry := m.reconnectBackOff()
	for {
		live, err := m.follow(ctx, log, s)
		if ctx.Err() != nil {
			log.Debug("stream stopped")
			return
		}
		if errors.Is(err, errReplayHeld) {
			retry.Reset()
			continue
		}
		if live {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			wait = stoppedBackOffWait
		}
		s.set(StateReconnecting, err)
		log.Error("stream interrupted, reconnecting", "error", err, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// follow subscribes, backfills from the checkpoint up to the current head and
// then consumes live events. Events seen by both phases are deduplicated by
// the reconciler. live reports whether the stream got past the backfill.
func (m *Manager) follow(ctx context.Context, log *slog.Logger, s *stream) (live bool, err error) {
	s.set(StateConnecting, nil)
	from, ok, err := m.checkpoints.Load(ctx, s.target.Address, s.event)
	if err != nil {
		return false, err
	}
	if ok {
		s.advance(from)
	}
	s.release()

	sink := make(chan ledger.Event, sinkBuffer)
	sub, err := m.client.Subscribe(ctx, s.filter(from), sink)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	s.set(StateBackfilling, nil)
	head, err := m.client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if head >= from {
		events, err := m.client.FilterEvents(ctx, s.filter(from), head)
		if err != nil {
			return false, err
		}
		if len(events) > 0 {
			log.Info("backfilling", "from", from, "to", head, "events", len(events))
		}
		for _, ev := range events {
			if err := m.deliver(ctx, log, s, ev); err != nil {
				return false, err
			}
		}
		m.checkpoint(ctx, log, s, head)
	}

	s.set(StateLive, nil)
	replay := time.NewTicker(m.heldReplay)
	defer replay.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-replay.C:
			if held, ok := s.heldBlock(); ok {
				log.Info("replaying held events", "from", held)
				return true, errReplayHeld
			}
		case err := <-sub.Err():
			if err == nil {
				err = errStreamClosed
			}
			return true, err
		case ev := <-sink:
			if err := m.deliver(ctx, log, s, ev); err != nil {
				return true, err
			}
		}
	}
}

// deliver applies ev, retrying transient failures. An event whose dependency
// never shows up is held once the retries run out: the stream moves on, but
// its checkpoint stays at the event's block so the next replay or restart
// tries it again. Any other persistent failure is returned so the stream
// reconnects and replays from the checkpoint.
func (m *Manager) deliver(ctx context.Context, log *slog.Logger, s *stream, ev ledger.Event) error {
	var outcome reconcile.Outcome
	op := func() error {
		var err error
		outcome, err = m.applier.Apply(ctx, s.target, ev)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(m.applyBackOff(), m.applyRetries), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("event apply failed, retrying", "key", ev.Key(), "error", err, "wait", wait)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, reconcile.ErrNotReady):
		log.Error("event dependency not reconciled yet, holding", "key", ev.Key(), "error", err)
		s.hold(ev.BlockNumber)
	default:
		return err
	}

	m.checkpoint(ctx, log, s, ev.BlockNumber)
	if err == nil && outcome == reconcile.OutcomeApplied && ev.Name == ledger.EventTerminated {
		// payment and dispute streams outlive the lease
		m.stopContract(s.target.AgreementID, ledger.KindRentalTerms)
	}
	return nil
}

// checkpoint records progress up to block, or up to the lowest held block.
// Checkpoints are inclusive, so a replay from a held block delivers it again.
func (m *Manager) checkpoint(ctx context.Context, log *slog.Logger, s *stream, block uint64) {
	s.advance(block)
	if held, ok := s.heldBlock(); ok && held < block {
		block = held
	}
	if err := m.checkpoints.Save(ctx, s.target.Address, s.event, block); err != nil {
		log.Warn("checkpoint not saved", "block", block, "error", err)
	}
}
