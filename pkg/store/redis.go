package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "twbx"

// RedisConfig configures the Redis store.
type RedisConfig struct {
	KeyPrefix string
	Retry     retry.Config
}

// Redis keeps each scope in a handful of keys sharing one cluster hash slot:
//
//	{prefix}:{scope}:process    JSON ProcessState
//	{prefix}:{scope}:balances   hash "asset|user" -> JSON record
//	{prefix}:{scope}:active     set of "asset|user" with balance > 0
//	{prefix}:{scope}:positions  hash positionId -> JSON PositionDetails
//	{prefix}:{scope}:pools      hash poolId -> JSON PoolState
type Redis struct {
	rdb    redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis builds a Redis store on an existing client.
func NewRedis(rdb redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = retry.Config{MaxRetries: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, JitterEnabled: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{rdb: rdb, cfg: cfg, logger: logger}
}

type scopeKeys struct {
	process, balances, active, positions, pools string
}

func (r *Redis) keys(scope accounting.Scope) scopeKeys {
	base := fmt.Sprintf("%s:{%s}", r.cfg.KeyPrefix, scope.String())
	return scopeKeys{
		process:   base + ":process",
		balances:  base + ":balances",
		active:    base + ":active",
		positions: base + ":positions",
		pools:     base + ":pools",
	}
}

type balanceDoc struct {
	Balance         string `json:"balance"`
	UpdatedAtTs     int64  `json:"updatedAtTs"`
	UpdatedAtHeight int64  `json:"updatedAtHeight"`
}

type positionDoc struct {
	accounting.PositionDetails
	Liquidity string `json:"liquidity"`
}

// LoadScope reads the process state, every active balance, positions and pools of scope.
func (r *Redis) LoadScope(ctx context.Context, scope accounting.Scope) (*accounting.ScopeState, error) {
	var st *accounting.ScopeState
	err := retry.WithBackoff(ctx, r.cfg.Retry, r.logger, "store.load", func(int) error {
		var err error
		st, err = r.load(ctx, scope)
		if errors.Is(err, errCorrupt) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", scope, err)
	}
	return st, nil
}

var errCorrupt = errors.New("corrupt stored state")

func (r *Redis) load(ctx context.Context, scope accounting.Scope) (*accounting.ScopeState, error) {
	k := r.keys(scope)
	st := accounting.NewScopeState(scope)

	var (
		processCmd   *redis.StringCmd
		activeCmd    *redis.StringSliceCmd
		positionsCmd *redis.MapStringStringCmd
		poolsCmd     *redis.MapStringStringCmd
	)
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		processCmd = pipe.Get(ctx, k.process)
		activeCmd = pipe.SMembers(ctx, k.active)
		positionsCmd = pipe.HGetAll(ctx, k.positions)
		poolsCmd = pipe.HGetAll(ctx, k.pools)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	if raw, err := processCmd.Result(); err == nil {
		if err := json.Unmarshal([]byte(raw), &st.Process); err != nil {
			return nil, fmt.Errorf("%w: process: %v", errCorrupt, err)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	members, err := activeCmd.Result()
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		vals, err := r.rdb.HMGet(ctx, k.balances, members...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				r.logger.Warn("active balance without record", zap.String("scope", scope.String()), zap.String("key", members[i]))
				continue
			}
			key, err := accounting.ParseBalanceKey(members[i])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errCorrupt, err)
			}
			rec, err := decodeBalance(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: balance %s: %v", errCorrupt, members[i], err)
			}
			st.Balances[key] = rec
		}
	}

	positions, err := positionsCmd.Result()
	if err != nil {
		return nil, err
	}
	for id, raw := range positions {
		p, err := decodePosition(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: position %s: %v", errCorrupt, id, err)
		}
		st.Positions[id] = p
	}

	pools, err := poolsCmd.Result()
	if err != nil {
		return nil, err
	}
	for id, raw := range pools {
		var p accounting.PoolState
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("%w: pool %s: %v", errCorrupt, id, err)
		}
		st.Pools[id] = &p
	}
	st.MarkClean()
	return st, nil
}

// CommitScope writes dirty entities and the process state in one MULTI/EXEC, provided the stored
// version still matches the one loaded.
func (r *Redis) CommitScope(ctx context.Context, st *accounting.ScopeState) error {
	err := retry.WithBackoff(ctx, r.cfg.Retry, r.logger, "store.commit", func(int) error {
		err := r.commit(ctx, st)
		if errors.Is(err, ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("commit scope %s: %w", st.Scope, err)
	}
	return nil
}

func (r *Redis) commit(ctx context.Context, st *accounting.ScopeState) error {
	k := r.keys(st.Scope)

	next := st.Process
	next.Version++
	processRaw, err := json.Marshal(next)
	if err != nil {
		return err
	}

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var stored accounting.ProcessState
		raw, err := tx.Get(ctx, k.process).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				return fmt.Errorf("%w: process: %v", errCorrupt, err)
			}
		}
		if stored.Version != st.Process.Version {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range st.DirtyBalances() {
				rec, ok := st.Balances[key]
				if !ok {
					continue
				}
				doc, err := json.Marshal(balanceDoc{Balance: rec.Balance.String(), UpdatedAtTs: rec.UpdatedAtTs, UpdatedAtHeight: rec.UpdatedAtHeight})
				if err != nil {
					return err
				}
				pipe.HSet(ctx, k.balances, key.String(), doc)
				if rec.Balance.Sign() > 0 {
					pipe.SAdd(ctx, k.active, key.String())
				} else {
					pipe.SRem(ctx, k.active, key.String())
				}
			}
			for _, id := range st.DirtyPositions() {
				p, ok := st.Positions[id]
				if !ok {
					continue
				}
				doc, err := json.Marshal(positionDoc{PositionDetails: *p, Liquidity: p.Liquidity.String()})
				if err != nil {
					return err
				}
				pipe.HSet(ctx, k.positions, id, doc)
			}
			for _, id := range st.DirtyPools() {
				p, ok := st.Pools[id]
				if !ok {
					continue
				}
				doc, err := json.Marshal(p)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, k.pools, id, doc)
			}
			pipe.Set(ctx, k.process, processRaw, 0)
			return nil
		})
		return err
	}, k.process)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	st.Process = next
	st.MarkClean()
	r.logger.Debug("scope committed",
		zap.String("scope", st.Scope.String()),
		zap.Int64("version", next.Version),
		zap.Int64("last_height", next.LastHeight),
		zap.Int64("last_interpolated_ts", next.LastInterpolatedTs))
	return nil
}

// Health pings Redis.
func (r *Redis) Health(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func decodeBalance(raw string) (*accounting.ActiveBalanceRecord, error) {
	var doc balanceDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(doc.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", doc.Balance)
	}
	return &accounting.ActiveBalanceRecord{Balance: bal, UpdatedAtTs: doc.UpdatedAtTs, UpdatedAtHeight: doc.UpdatedAtHeight}, nil
}

func decodePosition(raw string) (*accounting.PositionDetails, error) {
	var doc positionDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	liq, ok := new(big.Int).SetString(doc.Liquidity, 10)
	if !ok {
		return nil, fmt.Errorf("invalid liquidity %q", doc.Liquidity)
	}
	p := doc.PositionDetails
	p.Liquidity = liq
	return &p, nil
}

// BalanceCount returns the number of balance records stored for scope, active or not.
func (r *Redis) BalanceCount(ctx context.Context, scope accounting.Scope) (int64, error) {
	return r.rdb.HLen(ctx, r.keys(scope).balances).Result()
}

// ActiveCount returns the size of the active index of scope.
func (r *Redis) ActiveCount(ctx context.Context, scope accounting.Scope) (int64, error) {
	return r.rdb.SCard(ctx, r.keys(scope).active).Result()
}

var (
	_ Store = (*Redis)(nil)
	_ Store = (*Memory)(nil)
)
