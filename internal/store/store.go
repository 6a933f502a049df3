package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"sage/internal/config"
	"sage/internal/domain"
	"sage/internal/ports"
)

var errClosed = errors.New("store is closed")

// Open creates the configured conversation store backend.
func Open(cfg config.StoreConfig, logger *zap.Logger) (ports.ConversationStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store path is required")
	}

	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return OpenSQLite(path)
	case "", "badger":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return OpenBadger(BadgerOptions{Dir: path, Logger: logger.Named("badger")})
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func validateTurn(turn domain.Turn) error {
	switch turn.Role {
	case domain.RoleUser, domain.RoleAssistant:
	default:
		return fmt.Errorf("%w: invalid turn role %q", domain.ErrStoreWrite, turn.Role)
	}
	if strings.TrimSpace(turn.Text) == "" {
		return fmt.Errorf("%w: turn text is empty", domain.ErrStoreWrite)
	}
	return nil
}

func validateContext(sc domain.ScreenContext) error {
	if strings.TrimSpace(sc.Text) == "" {
		return fmt.Errorf("%w: context text is empty", domain.ErrStoreWrite)
	}
	if sc.Confidence < 0 || sc.Confidence > 1 {
		return fmt.Errorf("%w: context confidence %v out of range", domain.ErrStoreWrite, sc.Confidence)
	}
	return nil
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}

func writeErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrStoreWrite) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
}

func pruneCutoff(policy ports.PrunePolicy) time.Time {
	if policy.MaxAge <= 0 {
		return time.Time{}
	}
	now := policy.Now
	if now.IsZero() {
		now = time.Now()
	}
	return now.Add(-policy.MaxAge)
}

// Pruner enforces the retention policy on a fixed interval, away from the
// append path.
type Pruner struct {
	store    ports.ConversationStore
	policy   ports.PrunePolicy
	interval time.Duration
	logger   *zap.Logger
}

func NewPruner(store ports.ConversationStore, cfg config.StoreConfig, logger *zap.Logger) *Pruner {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Pruner{
		store: store,
		policy: ports.PrunePolicy{
			MaxAge:      cfg.MaxAge,
			MaxTurns:    cfg.MaxTurns,
			MaxContexts: cfg.MaxContexts,
		},
		interval: interval,
		logger:   logger,
	}
}

// Run prunes once immediately and then on every tick until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	p.pruneOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pruneOnce(ctx)
		}
	}
}

func (p *Pruner) pruneOnce(ctx context.Context) {
	if p.policy.MaxAge <= 0 && p.policy.MaxTurns <= 0 && p.policy.MaxContexts <= 0 {
		return
	}
	policy := p.policy
	policy.Now = time.Now()
	result, err := p.store.Prune(ctx, policy)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("retention prune failed", zap.Error(err))
		}
		return
	}
	if result.Turns > 0 || result.Contexts > 0 {
		p.logger.Info("pruned history", zap.Int("turns", result.Turns), zap.Int("contexts", result.Contexts))
	}
}
