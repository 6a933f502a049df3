package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"sage/internal/domain"
	"sage/internal/ports"
)

var (
	turnPrefix    = []byte("turn:")
	contextPrefix = []byte("ctx:")
	turnSeqKey    = []byte("seq:turn")
	contextSeqKey = []byte("seq:ctx")
)

// BadgerOptions configures the embedded key-value backend.
type BadgerOptions struct {
	Dir string
	// InMemory skips disk persistence. Used by tests.
	InMemory bool
	Logger   *zap.Logger
}

// Badger stores turns and contexts as msgpack values under zero-padded id
// keys so lexical order matches id order.
type Badger struct {
	db *badger.DB

	writeMu sync.Mutex
	closed  bool
}

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store requires a directory")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if err := validateTurn(turn); err != nil {
		return domain.Turn{}, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return domain.Turn{}, writeErr(errClosed)
	}

	turn.Timestamp = stamp(turn.Timestamp)
	err := b.db.Update(func(txn *badger.Txn) error {
		id, err := nextID(txn, turnSeqKey)
		if err != nil {
			return err
		}
		turn.ID = id
		value, err := msgpack.Marshal(&turn)
		if err != nil {
			return err
		}
		return txn.Set(idKey(turnPrefix, id), value)
	})
	if err != nil {
		return domain.Turn{}, writeErr(err)
	}
	return turn, nil
}

func (b *Badger) AppendContext(ctx context.Context, sc domain.ScreenContext) (domain.ScreenContext, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScreenContext{}, err
	}
	if err := validateContext(sc); err != nil {
		return domain.ScreenContext{}, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return domain.ScreenContext{}, writeErr(errClosed)
	}

	sc.Timestamp = stamp(sc.Timestamp)
	err := b.db.Update(func(txn *badger.Txn) error {
		id, err := nextID(txn, contextSeqKey)
		if err != nil {
			return err
		}
		sc.ID = id
		value, err := msgpack.Marshal(&sc)
		if err != nil {
			return err
		}
		return txn.Set(idKey(contextPrefix, id), value)
	})
	if err != nil {
		return domain.ScreenContext{}, writeErr(err)
	}
	return sc, nil
}

func (b *Badger) QueryTurns(ctx context.Context, q ports.TurnQuery) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.FromID == 0 && q.ToID == 0 {
		if q.Limit <= 0 {
			return b.scanTurns(1, 0, 0)
		}
		turns := make([]domain.Turn, 0, q.Limit)
		err := b.reverse(turnPrefix, q.Limit, func(value []byte) error {
			var turn domain.Turn
			if err := msgpack.Unmarshal(value, &turn); err != nil {
				return err
			}
			turns = append(turns, turn)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("query turns: %w", err)
		}
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
		return turns, nil
	}
	return b.scanTurns(q.FromID, q.ToID, q.Limit)
}

func (b *Badger) scanTurns(from, to uint64, limit int) ([]domain.Turn, error) {
	if from == 0 {
		from = 1
	}
	var turns []domain.Turn
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = turnPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(idKey(turnPrefix, from)); it.ValidForPrefix(turnPrefix); it.Next() {
			if limit > 0 && len(turns) >= limit {
				return nil
			}
			var turn domain.Turn
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &turn)
			}); err != nil {
				return err
			}
			if to > 0 && turn.ID > to {
				return nil
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return turns, nil
}

func (b *Badger) RecentContexts(ctx context.Context, limit int) ([]domain.ScreenContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	contexts := make([]domain.ScreenContext, 0, limit)
	err := b.reverse(contextPrefix, limit, func(value []byte) error {
		var sc domain.ScreenContext
		if err := msgpack.Unmarshal(value, &sc); err != nil {
			return err
		}
		contexts = append(contexts, sc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query contexts: %w", err)
	}
	return contexts, nil
}

// reverse visits up to limit values under prefix, newest first.
func (b *Badger) reverse(prefix []byte, limit int, visit func([]byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix) && count < limit; it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

func (b *Badger) Prune(ctx context.Context, policy ports.PrunePolicy) (ports.PruneResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.PruneResult{}, err
	}
	cutoff := pruneCutoff(policy)

	turnKeys, err := b.expired(turnPrefix, policy.MaxTurns, cutoff, func(val []byte) (int64, error) {
		var turn domain.Turn
		err := msgpack.Unmarshal(val, &turn)
		return turn.Timestamp.UnixNano(), err
	})
	if err != nil {
		return ports.PruneResult{}, fmt.Errorf("scan turns for prune: %w", err)
	}
	contextKeys, err := b.expired(contextPrefix, policy.MaxContexts, cutoff, func(val []byte) (int64, error) {
		var sc domain.ScreenContext
		err := msgpack.Unmarshal(val, &sc)
		return sc.Timestamp.UnixNano(), err
	})
	if err != nil {
		return ports.PruneResult{}, fmt.Errorf("scan contexts for prune: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return ports.PruneResult{}, writeErr(errClosed)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range append(turnKeys, contextKeys...) {
		if err := wb.Delete(key); err != nil {
			return ports.PruneResult{}, writeErr(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return ports.PruneResult{}, writeErr(err)
	}
	return ports.PruneResult{Turns: len(turnKeys), Contexts: len(contextKeys)}, nil
}

// expired returns keys, oldest first, that exceed maxCount or predate cutoff.
func (b *Badger) expired(prefix []byte, maxCount int, cutoff time.Time, timestamp func([]byte) (int64, error)) ([][]byte, error) {
	var keys [][]byte
	var stamps []int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var ts int64
			if err := item.Value(func(val []byte) error {
				var err error
				ts, err = timestamp(val)
				return err
			}); err != nil {
				return err
			}
			keys = append(keys, item.KeyCopy(nil))
			stamps = append(stamps, ts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	drop := 0
	if maxCount > 0 && len(keys) > maxCount {
		drop = len(keys) - maxCount
	}
	if !cutoff.IsZero() {
		limit := cutoff.UnixNano()
		for drop < len(keys) && stamps[drop] < limit {
			drop++
		}
	}
	return keys[:drop], nil
}

func (b *Badger) Stats(ctx context.Context) (ports.StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return ports.StoreStats{}, err
	}
	var stats ports.StoreStats
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if stats.Turns, err = countPrefix(txn, turnPrefix); err != nil {
			return err
		}
		if stats.Contexts, err = countPrefix(txn, contextPrefix); err != nil {
			return err
		}
		if stats.LastTurnID, err = readSeq(txn, turnSeqKey); err != nil {
			return err
		}
		stats.LastContext, err = readSeq(txn, contextSeqKey)
		return err
	})
	if err != nil {
		return ports.StoreStats{}, fmt.Errorf("read stats: %w", err)
	}
	return stats, nil
}

func (b *Badger) Close() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func idKey(prefix []byte, id uint64) []byte {
	return fmt.Appendf(append([]byte{}, prefix...), "%020d", id)
}

func nextID(txn *badger.Txn, seqKey []byte) (uint64, error) {
	current, err := readSeq(txn, seqKey)
	if err != nil {
		return 0, err
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := txn.Set(seqKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

func readSeq(txn *badger.Txn, seqKey []byte) (uint64, error) {
	item, err := txn.Get(seqKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence %q", seqKey)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

func countPrefix(txn *badger.Txn, prefix []byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, nil
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.SugaredLogger.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.SugaredLogger.Debugf(format, args...)
}

func (l badgerLogger) Debugf(string, ...interface{}) {}
