package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/vault-ledger/pkg/model"
)

// Store persists vault mutations and reloads the ledger on startup.
type Store interface {
	Commit(ctx context.Context, m model.Mutation) error
	Load(ctx context.Context) (model.Snapshot, error)
	Migrate(ctx context.Context) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// HybridStore keeps Postgres authoritative when configured and mirrors the
// ledger into Redis. Without Postgres, Redis is the only copy and every
// commit is a single MULTI/EXEC.
type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	prefix string
	logger *zap.Logger
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	DB       int
	Password string
	Prefix   string
}

// NewHybrid creates a Redis-first, Postgres-backed store.
func NewHybrid(rc RedisConfig, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*HybridStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		DB:       rc.DB,
		Password: rc.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return newHybrid(rdb, pgPool, rc.Prefix, logger), nil
}

func newHybrid(rdb *redis.Client, pg *pgxpool.Pool, prefix string, logger *zap.Logger) *HybridStore {
	if prefix == "" {
		prefix = "vault"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridStore{redis: rdb, PG: pg, prefix: prefix, logger: logger}
}

// Redis exposes the shared client for components that keep their own keys.
func (s *HybridStore) Redis() *redis.Client { return s.redis }

func (s *HybridStore) adminKey() string     { return s.prefix + ":admin" }
func (s *HybridStore) assetsKey() string    { return s.prefix + ":assets" }
func (s *HybridStore) positionsKey() string { return s.prefix + ":positions" }
func (s *HybridStore) usersKey() string     { return s.prefix + ":users" }

func positionField(identity string, assetID uint64) string {
	return identity + "|" + strconv.FormatUint(assetID, 10)
}

// Migrate creates the Postgres schema. It is a no-op without Postgres.
func (s *HybridStore) Migrate(ctx context.Context) error {
	if s.PG == nil {
		return nil
	}
	if _, err := s.PG.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate vault schema: %w", err)
	}
	return nil
}

// Commit applies a mutation. With Postgres the transaction decides the
// outcome and the Redis mirror is best effort.
func (s *HybridStore) Commit(ctx context.Context, m model.Mutation) error {
	if s.PG != nil {
		if err := s.commitPG(ctx, m); err != nil {
			s.logger.Error("store.pg.commit_failed", zap.String("op", m.Op), zap.Error(err))
			return err
		}
		if err := s.commitRedis(ctx, m); err != nil {
			s.logger.Warn("store.redis.mirror_failed", zap.String("op", m.Op), zap.Error(err))
		}
		return nil
	}
	if s.redis == nil {
		return fmt.Errorf("no backing store configured")
	}
	if err := s.commitRedis(ctx, m); err != nil {
		s.logger.Error("store.redis.commit_failed", zap.String("op", m.Op), zap.Error(err))
		return err
	}
	return nil
}

func (s *HybridStore) commitPG(ctx context.Context, m model.Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	return pgx.BeginFunc(ctx, s.PG, func(tx pgx.Tx) error {
		if a := m.Admin; a != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO vault.admin_state (id, initialized, admin, paused, next_asset_id, updated_at)
				VALUES (1, $1, $2, $3, $4::numeric, $5)
				ON CONFLICT (id) DO UPDATE SET
					initialized = EXCLUDED.initialized,
					admin = EXCLUDED.admin,
					paused = EXCLUDED.paused,
					next_asset_id = EXCLUDED.next_asset_id,
					updated_at = EXCLUDED.updated_at;
			`, a.Initialized, a.Admin, a.Paused, strconv.FormatUint(a.NextAssetID, 10), m.At); err != nil {
				return fmt.Errorf("upsert admin_state: %w", err)
			}
		}
		if v := m.Vault; v != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO vault.asset_vault (asset_id, symbol, decimals, held_balance, onboarded_at, updated_at)
				VALUES ($1::numeric, $2, $3, $4::numeric, $5, $6)
				ON CONFLICT (asset_id) DO UPDATE SET
					held_balance = EXCLUDED.held_balance,
					updated_at = EXCLUDED.updated_at;
			`, strconv.FormatUint(v.AssetID, 10), v.Symbol, v.Decimals,
				strconv.FormatUint(v.HeldBalance, 10), v.OnboardedAt, m.At); err != nil {
				return fmt.Errorf("upsert asset_vault: %w", err)
			}
		}
		if m.NewUser != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO vault.user_registry (identity, created_at) VALUES ($1, $2);
			`, m.NewUser, m.At); err != nil {
				return fmt.Errorf("insert user_registry: %w", err)
			}
		}
		if p := m.Position; p != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO vault.user_position (identity, asset_id, amount, updated_at)
				VALUES ($1, $2::numeric, $3::numeric, $4)
				ON CONFLICT (identity, asset_id) DO UPDATE SET
					amount = EXCLUDED.amount,
					updated_at = EXCLUDED.updated_at;
			`, p.Identity, strconv.FormatUint(p.AssetID, 10), strconv.FormatUint(p.Amount, 10), m.At); err != nil {
				return fmt.Errorf("upsert user_position: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO vault.mutation_journal (op, payload, committed_at) VALUES ($1, $2, $3);
		`, m.Op, payload, m.At); err != nil {
			return fmt.Errorf("insert mutation_journal: %w", err)
		}
		return nil
	})
}

func (s *HybridStore) commitRedis(ctx context.Context, m model.Mutation) error {
	if s.redis == nil {
		return nil
	}

	var admin, vault, position []byte
	var err error
	if m.Admin != nil {
		if admin, err = json.Marshal(m.Admin); err != nil {
			return err
		}
	}
	if m.Vault != nil {
		if vault, err = json.Marshal(m.Vault); err != nil {
			return err
		}
	}
	if m.Position != nil {
		if position, err = json.Marshal(m.Position); err != nil {
			return err
		}
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if admin != nil {
			pipe.Set(ctx, s.adminKey(), admin, 0)
		}
		if vault != nil {
			pipe.HSet(ctx, s.assetsKey(), m.Vault.Symbol, vault)
		}
		if m.NewUser != "" {
			pipe.RPush(ctx, s.usersKey(), m.NewUser)
		}
		if position != nil {
			pipe.HSet(ctx, s.positionsKey(), positionField(m.Position.Identity, m.Position.AssetID), position)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

// Load reads the persisted ledger. An empty store yields a zero Snapshot.
func (s *HybridStore) Load(ctx context.Context) (model.Snapshot, error) {
	if s.PG != nil {
		return s.loadPG(ctx)
	}
	if s.redis == nil {
		return model.Snapshot{}, fmt.Errorf("no backing store configured")
	}
	return s.loadRedis(ctx)
}

func (s *HybridStore) loadPG(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot

	var next string
	err := s.PG.QueryRow(ctx, `
		SELECT initialized, admin, paused, next_asset_id::text FROM vault.admin_state WHERE id = 1;
	`).Scan(&snap.Admin.Initialized, &snap.Admin.Admin, &snap.Admin.Paused, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, nil
	} else if err != nil {
		return model.Snapshot{}, fmt.Errorf("load admin_state: %w", err)
	}
	if snap.Admin.NextAssetID, err = strconv.ParseUint(next, 10, 64); err != nil {
		return model.Snapshot{}, fmt.Errorf("load admin_state: %w", err)
	}

	rows, err := s.PG.Query(ctx, `
		SELECT asset_id::text, symbol, decimals, held_balance::text, onboarded_at
		FROM vault.asset_vault ORDER BY asset_id;
	`)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load asset_vault: %w", err)
	}
	for rows.Next() {
		var v model.AssetVault
		var id, held string
		if err := rows.Scan(&id, &v.Symbol, &v.Decimals, &held, &v.OnboardedAt); err != nil {
			rows.Close()
			return model.Snapshot{}, fmt.Errorf("scan asset_vault: %w", err)
		}
		if v.AssetID, v.HeldBalance, err = parsePair(id, held); err != nil {
			rows.Close()
			return model.Snapshot{}, fmt.Errorf("scan asset_vault: %w", err)
		}
		snap.Vaults = append(snap.Vaults, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Snapshot{}, err
	}

	rows, err = s.PG.Query(ctx, `SELECT identity FROM vault.user_registry ORDER BY seq;`)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load user_registry: %w", err)
	}
	snap.Users, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("scan user_registry: %w", err)
	}

	rows, err = s.PG.Query(ctx, `
		SELECT identity, asset_id::text, amount::text FROM vault.user_position ORDER BY identity, asset_id;
	`)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load user_position: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.UserPosition
		var id, amount string
		if err := rows.Scan(&p.Identity, &id, &amount); err != nil {
			return model.Snapshot{}, fmt.Errorf("scan user_position: %w", err)
		}
		if p.AssetID, p.Amount, err = parsePair(id, amount); err != nil {
			return model.Snapshot{}, fmt.Errorf("scan user_position: %w", err)
		}
		snap.Positions = append(snap.Positions, p)
	}
	return snap, rows.Err()
}

func parsePair(a, b string) (uint64, uint64, error) {
	x, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (s *HybridStore) loadRedis(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	if err := s.GetJSON(ctx, s.adminKey(), &snap.Admin); errors.Is(err, redis.Nil) {
		return model.Snapshot{}, nil
	} else if err != nil {
		return model.Snapshot{}, fmt.Errorf("load admin: %w", err)
	}

	assets, err := s.redis.HGetAll(ctx, s.assetsKey()).Result()
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load assets: %w", err)
	}
	for symbol, raw := range assets {
		var v model.AssetVault
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return model.Snapshot{}, fmt.Errorf("decode asset %s: %w", symbol, err)
		}
		snap.Vaults = append(snap.Vaults, v)
	}
	sort.Slice(snap.Vaults, func(i, j int) bool { return snap.Vaults[i].AssetID < snap.Vaults[j].AssetID })

	if snap.Users, err = s.redis.LRange(ctx, s.usersKey(), 0, -1).Result(); err != nil {
		return model.Snapshot{}, fmt.Errorf("load users: %w", err)
	}

	positions, err := s.redis.HGetAll(ctx, s.positionsKey()).Result()
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load positions: %w", err)
	}
	for field, raw := range positions {
		var p model.UserPosition
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return model.Snapshot{}, fmt.Errorf("decode position %s: %w", field, err)
		}
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if c := strings.Compare(a.Identity, b.Identity); c != 0 {
			return c < 0
		}
		return a.AssetID < b.AssetID
	})
	return snap, nil
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
