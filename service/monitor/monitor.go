// Package monitor polls account state on an interval and reports changes.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brojonat/txlander/service/cache"
	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/retry"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// AccountReader is the ledger access the monitor needs. *solana.Client
// satisfies it.
type AccountReader interface {
	GetAccountState(ctx context.Context, address solanago.PublicKey) (*solana.AccountState, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solanago.PublicKey, mint *solanago.PublicKey) ([]solana.TokenBalance, error)
}

// Target is one account to watch.
type Target struct {
	Address solanago.PublicKey
	// IncludeTokens also reads the SPL token accounts owned by Address,
	// restricted to Mint when set.
	IncludeTokens bool
	Mint          *solanago.PublicKey
}

// Key identifies the target in the cache and in change tracking.
func (t Target) Key() string {
	key := t.Address.String()
	if t.IncludeTokens {
		key += "/tokens"
		if t.Mint != nil {
			key += "/" + t.Mint.String()
		}
	}
	return key
}

// Snapshot is the observed state of a target.
type Snapshot struct {
	Address    string                `json:"address"`
	Exists     bool                  `json:"exists"`
	Lamports   uint64                `json:"lamports"`
	Owner      string                `json:"owner,omitempty"`
	Tokens     []solana.TokenBalance `json:"tokens,omitempty"`
	Slot       uint64                `json:"slot"`
	ObservedAt time.Time             `json:"observed_at"`
	// Hash covers the content only, so the same state read at a later slot
	// hashes the same.
	Hash string `json:"hash"`
}

// Options configures a Monitor. Zero values take defaults.
type Options struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	CacheTTL   time.Duration
	Scheduler  *retry.Scheduler
}

// Monitor reads targets through a shared cache and runs the poll loop.
type Monitor struct {
	reader     AccountReader
	cache      *cache.Cache[Snapshot]
	interval   time.Duration
	maxBackoff time.Duration
	ttl        time.Duration
	scheduler  *retry.Scheduler
	metrics    *metrics.Metrics
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(reader AccountReader, opts Options, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = 20 * opts.Interval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = opts.Interval
	}
	if opts.Scheduler == nil {
		opts.Scheduler = retry.NewScheduler(nil)
	}
	return &Monitor{
		reader:     reader,
		cache:      cache.New[Snapshot]("accounts", cache.WithMetrics(m), cache.WithLogger(logger)),
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		ttl:        opts.CacheTTL,
		scheduler:  opts.Scheduler,
		metrics:    m,
		logger:     logger,
		sleep:      retry.Sleep,
		now:        time.Now,
	}
}

// Poll returns the target's state, served from cache while fresh.
func (m *Monitor) Poll(ctx context.Context, target Target) (Snapshot, error) {
	return m.cache.GetOrLoad(ctx, target.Key(), m.ttl, func(ctx context.Context) (Snapshot, error) {
		return m.read(ctx, target)
	})
}

// Refresh drops any cached state for the target and reads it again.
func (m *Monitor) Refresh(ctx context.Context, target Target) (Snapshot, error) {
	m.cache.Invalidate(target.Key())
	return m.Poll(ctx, target)
}

func (m *Monitor) read(ctx context.Context, target Target) (Snapshot, error) {
	snap := Snapshot{Address: target.Address.String(), ObservedAt: m.now()}

	state, err := m.reader.GetAccountState(ctx, target.Address)
	if err != nil {
		return Snapshot{}, classify.Wrap(fmt.Errorf("failed to read account %s: %w", target.Address, err))
	}
	if state != nil {
		snap.Exists = true
		snap.Lamports = state.Lamports
		snap.Owner = state.Owner
		snap.Slot = state.Slot
	}

	if target.IncludeTokens {
		tokens, err := m.reader.GetTokenAccountsByOwner(ctx, target.Address, target.Mint)
		if err != nil {
			return Snapshot{}, classify.Wrap(fmt.Errorf("failed to read token accounts of %s: %w", target.Address, err))
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i].Address < tokens[j].Address })
		snap.Tokens = tokens
	}

	snap.Hash = contentHash(snap)
	return snap, nil
}

func contentHash(s Snapshot) string {
	content := struct {
		Address  string                `json:"address"`
		Exists   bool                  `json:"exists"`
		Lamports uint64                `json:"lamports"`
		Owner    string                `json:"owner"`
		Tokens   []solana.TokenBalance `json:"tokens"`
	}{s.Address, s.Exists, s.Lamports, s.Owner, s.Tokens}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SnapshotFunc receives snapshots whose content changed since the last one
// seen for the same target. The first snapshot of each target always counts
// as a change.
type SnapshotFunc func(ctx context.Context, snap Snapshot) error

// Run polls targets until ctx is done or a permanent failure occurs.
// Transient failures are logged and the next round waits longer, growing
// with each consecutive failure up to the configured ceiling. Run returns
// ctx.Err() on cancellation and the failure itself when it is permanent.
func (m *Monitor) Run(ctx context.Context, targets []Target, onSnapshot SnapshotFunc) error {
	last := make(map[string]string, len(targets))
	failures := 0

	m.logger.InfoContext(ctx, "monitor started", "targets", len(targets), "interval", m.interval)

	for {
		err := m.round(ctx, targets, last, onSnapshot)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		wait := m.interval
		if err != nil {
			c := classify.From(err)
			if classify.IsPermanent(c) {
				m.recordPoll("permanent")
				m.logger.ErrorContext(ctx, "monitor stopped on permanent failure",
					"category", c.Category,
					"error", err,
				)
				return err
			}
			failures++
			wait = m.scheduler.Delay(failures, m.interval, m.maxBackoff)
			m.recordPoll("error")
			m.logger.WarnContext(ctx, "monitor poll failed",
				"category", c.Category,
				"consecutive_failures", failures,
				"next_poll_in", wait,
				"error", err,
			)
		} else {
			failures = 0
			m.recordPoll("ok")
		}

		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (m *Monitor) round(ctx context.Context, targets []Target, last map[string]string, onSnapshot SnapshotFunc) error {
	for _, t := range targets {
		snap, err := m.Poll(ctx, t)
		if err != nil {
			return err
		}
		key := t.Key()
		if last[key] == snap.Hash {
			continue
		}
		if onSnapshot != nil {
			if err := onSnapshot(ctx, snap); err != nil {
				return fmt.Errorf("snapshot handler for %s: %w", snap.Address, err)
			}
		}
		last[key] = snap.Hash
	}
	return nil
}

func (m *Monitor) recordPoll(result string) {
	if m.metrics != nil {
		m.metrics.RecordMonitorPoll(result)
	}
}
