// Package subscription keeps one ledger event stream open per monitored
// contract address and event type, and feeds every delivered event to the
// reconciler.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"leasechain/agreement"
	"leasechain/db"
	"leasechain/ledger"
	"leasechain/reconcile"
)

const (
	sinkBuffer          = 64
	defaultApplyRetries = 5
	defaultHeldReplay   = 30 * time.Second
)

// ErrNotStarted is returned when subscriptions are added before Start.
var ErrNotStarted = errors.New("subscription: manager not started")

var (
	errStreamClosed = errors.New("subscription: stream closed by ledger")
	errReplayHeld   = errors.New("subscription: replaying held events")
)

// Applier reconciles a single event.
type Applier interface {
	Apply(ctx context.Context, t reconcile.Target, ev ledger.Event) (reconcile.Outcome, error)
}

// AgreementSource loads the agreements to monitor.
type AgreementSource interface {
	ListMonitored(ctx context.Context) ([]agreement.Agreement, error)
	Get(ctx context.Context, q db.Querier, id string) (agreement.Agreement, error)
}

// Stream states reported by Streams.
const (
	StateConnecting   = "connecting"
	StateBackfilling  = "backfilling"
	StateLive         = "live"
	StateReconnecting = "reconnecting"
)

// StreamInfo is a snapshot of one stream.
type StreamInfo struct {
	AgreementID string              `json:"agreement_id"`
	Kind        ledger.ContractKind `json:"kind"`
	Address     string              `json:"address"`
	Event       string              `json:"event"`
	State       string              `json:"state"`
	LastBlock   uint64              `json:"last_block"`
	HeldBlock   *uint64             `json:"held_block,omitempty"`
	Reconnects  int                 `json:"reconnects"`
	LastError   string              `json:"last_error,omitempty"`
}

type streamKey struct {
	address common.Address
	event   string
}

type stream struct {
	target reconcile.Target
	event  string
	cancel context.CancelFunc

	mu         sync.Mutex
	state      string
	lastBlock  uint64
	reconnects int
	lastErr    error
	// held is the lowest block of an event dropped as not ready since the
	// last (re)connect. The persisted checkpoint never passes it.
	held    uint64
	holding bool
}

func (s *stream) set(state string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == StateReconnecting {
		s.reconnects++
	}
	s.state = state
	if err != nil {
		s.lastErr = err
	}
}

func (s *stream) advance(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.lastBlock {
		s.lastBlock = block
	}
}

func (s *stream) hold(block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.holding || block < s.held {
		s.held, s.holding = block, true
	}
}

func (s *stream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held, s.holding = 0, false
}

// heldBlock returns the block a replay must start from, if any.
func (s *stream) heldBlock() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held, s.holding
}

func (s *stream) info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StreamInfo{
		AgreementID: s.target.AgreementID,
		Kind:        s.target.Kind,
		Address:     ledger.FormatAddress(s.target.Address),
		Event:       s.event,
		State:       s.state,
		LastBlock:   s.lastBlock,
		Reconnects:  s.reconnects,
	}
	if s.holding {
		held := s.held
		info.HeldBlock = &held
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

func (s *stream) filter(from uint64) ledger.Filter {
	return ledger.Filter{Address: s.target.Address, Kind: s.target.Kind, Event: s.event, FromBlock: from}
}

// Manager owns the registry of live streams. Streams are independent: a
// failing stream reconnects on its own without touching the others.
type Manager struct {
	client      ledger.Client
	applier     Applier
	agreements  AgreementSource
	checkpoints Checkpoints
	log         *slog.Logger

	reconnectBackOff func() backoff.BackOff
	applyBackOff     func() backoff.BackOff
	applyRetries     uint64
	heldReplay       time.Duration

	mu      sync.Mutex
	base    context.Context
	streams map[streamKey]*stream
	wg      sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithReconnectBackOff sets the policy used between reconnect attempts. The
// policy should never stop; a stopped policy falls back to its max interval.
func WithReconnectBackOff(fn func() backoff.BackOff) Option {
	return func(m *Manager) {
		if fn != nil {
			m.reconnectBackOff = fn
		}
	}
}

// WithApplyRetries sets how often a failing event is retried before the
// stream gives up on it.
func WithApplyRetries(n uint64, fn func() backoff.BackOff) Option {
	return func(m *Manager) {
		m.applyRetries = n
		if fn != nil {
			m.applyBackOff = fn
		}
	}
}

// WithHeldReplayInterval sets how often a stream holding back a not-ready
// event replays from its checkpoint to try it again.
func WithHeldReplayInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heldReplay = d
		}
	}
}

func NewManager(client ledger.Client, applier Applier, agreements AgreementSource, checkpoints Checkpoints, opts ...Option) *Manager {
	m := &Manager{
		client:       client,
		applier:      applier,
		agreements:   agreements,
		checkpoints:  checkpoints,
		log:          slog.Default(),
		applyRetries: defaultApplyRetries,
		heldReplay:   defaultHeldReplay,
		streams:      make(map[streamKey]*stream),
		reconnectBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
		applyBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens streams for every monitored agreement. Streams live until ctx
// is cancelled, Stop is called, or their agreement is unsubscribed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	agreements, err := m.agreements.ListMonitored(ctx)
	if err != nil {
		return fmt.Errorf("subscription: list monitored agreements: %w", err)
	}
	opened := 0
	for _, a := range agreements {
		opened += m.open(a)
	}
	m.log.Info("subscriptions started", "agreements", len(agreements), "streams", opened)
	return nil
}

// AddSubscriptionsFor opens the streams of an agreement created after Start.
// Database-only agreements are ignored. Calling it twice is harmless.
func (m *Manager) AddSubscriptionsFor(ctx context.Context, agreementID string) error {
	m.mu.Lock()
	started := m.base != nil
	m.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	a, err := m.agreements.Get(ctx, nil, agreementID)
	if err != nil {
		return fmt.Errorf("subscription: load agreement %s: %w", agreementID, err)
	}
	if !a.Monitored() {
		m.log.Debug("agreement not monitored", "agreement_id", agreementID, "status", a.Status)
		return nil
	}
	m.log.Info("subscriptions added", "agreement_id", agreementID, "streams", m.open(a))
	return nil
}

func (m *Manager) open(a agreement.Agreement) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	opened := 0
	for kind, addr := range a.MonitoredContracts() {
		for _, name := range ledger.Events(kind) {
			key := streamKey{address: addr, event: name}
			if _, ok := m.streams[key]; ok {
				continue
			}
			ctx, cancel := context.WithCancel(m.base)
			s := &stream{
				target: reconcile.Target{AgreementID: a.ID, Kind: kind, Address: addr},
				event:  name,
				cancel: cancel,
				state:  StateConnecting,
			}
			m.streams[key] = s
			m.wg.Add(1)
			go m.run(ctx, s)
			opened++
		}
	}
	return opened
}

// StopSubscriptionsFor cancels the streams of an agreement. It does not wait
// for them to exit and may be called from a stream's own goroutine.
func (m *Manager) StopSubscriptionsFor(agreementID string) {
	m.stopStreams(agreementID, func(*stream) bool { return true })
}

// stopContract cancels the streams of one contract kind of an agreement.
func (m *Manager) stopContract(agreementID string, kind ledger.ContractKind) {
	m.stopStreams(agreementID, func(s *stream) bool { return s.target.Kind == kind })
}

func (m *Manager) stopStreams(agreementID string, match func(*stream) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopped := 0
	for key, s := range m.streams {
		if s.target.AgreementID != agreementID || !match(s) {
			continue
		}
		s.cancel()
		delete(m.streams, key)
		stopped++
	}
	if stopped > 0 {
		m.log.Info("subscriptions stopped", "agreement_id", agreementID, "streams", stopped)
	}
}

// Stop cancels every stream and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for key, s := range m.streams {
		s.cancel()
		delete(m.streams, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Streams returns a snapshot of the registry ordered by agreement, kind and
// event.
func (m *Manager) Streams() []StreamInfo {
	m.mu.Lock()
	out := make([]StreamInfo, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AgreementID != out[j].AgreementID {
			return out[i].AgreementID < out[j].AgreementID
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Event < out[j].Event
	})
	return out
}
