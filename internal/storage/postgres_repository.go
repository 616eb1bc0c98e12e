package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamrelay/internal/relay"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
	OpTimeout       time.Duration
	Logger          *slog.Logger
}

const defaultPostgresOpTimeout = 5 * time.Second

// PostgresRepository stores descriptors in a relay_rooms table so several
// orchestrator instances can share room configuration.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
	logger    *slog.Logger
}

var _ relay.DescriptorStore = (*PostgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed descriptor store and ensures
// its schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &PostgresRepository{
		pool:      pool,
		opTimeout: cfg.OpTimeout,
		logger:    cfg.Logger,
	}
	if repo.opTimeout <= 0 {
		repo.opTimeout = defaultPostgresOpTimeout
	}
	if repo.logger == nil {
		repo.logger = slog.Default()
	}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS relay_rooms (
    room_id    BIGINT PRIMARY KEY,
    credential TEXT   NOT NULL DEFAULT '',
    transport  TEXT   NOT NULL DEFAULT 'rtmp',
    args       TEXT[] NOT NULL DEFAULT '{}'
)`
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure relay_rooms schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *PostgresRepository) upsert(column string, roomID int64, value any) (relay.Descriptor, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	query := fmt.Sprintf(`
INSERT INTO relay_rooms (room_id, %[1]s) VALUES ($1, $2)
ON CONFLICT (room_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s
RETURNING room_id, credential, transport, args`, column)
	row := r.pool.QueryRow(ctx, query, roomID, value)
	return scanDescriptor(row)
}

// SetCredential updates the push credential, creating the row when absent.
func (r *PostgresRepository) SetCredential(roomID int64, credential string) (relay.Descriptor, error) {
	return r.upsert("credential", roomID, credential)
}

// SetTransport updates the push transport, creating the row when absent.
func (r *PostgresRepository) SetTransport(roomID int64, transport relay.Transport) (relay.Descriptor, error) {
	return r.upsert("transport", roomID, string(transport))
}

// SetArguments replaces the pull-argument list, creating the row when absent.
func (r *PostgresRepository) SetArguments(roomID int64, args []string) (relay.Descriptor, error) {
	if args == nil {
		args = []string{}
	}
	return r.upsert("args", roomID, args)
}

// ClearArguments empties the argument list for an existing row; absent rooms
// are reported as absent and not created.
func (r *PostgresRepository) ClearArguments(roomID int64) (relay.Descriptor, bool, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
UPDATE relay_rooms SET args = '{}'
WHERE room_id = $1
RETURNING room_id, credential, transport, args`, roomID)
	desc, err := scanDescriptor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return relay.Descriptor{}, false, nil
		}
		return relay.Descriptor{}, false, err
	}
	return desc, true, nil
}

// Get returns a snapshot of the room's descriptor. Database failures are
// logged and reported as "not configured" to match the store contract.
func (r *PostgresRepository) Get(roomID int64) (relay.Descriptor, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
SELECT room_id, credential, transport, args
FROM relay_rooms WHERE room_id = $1`, roomID)
	desc, err := scanDescriptor(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Error("descriptor lookup failed", "room_id", roomID, "error", err)
		}
		return relay.Descriptor{}, false
	}
	return desc, true
}

func scanDescriptor(row pgx.Row) (relay.Descriptor, error) {
	var (
		desc      relay.Descriptor
		transport string
	)
	if err := row.Scan(&desc.RoomID, &desc.Credential, &transport, &desc.Args); err != nil {
		return relay.Descriptor{}, err
	}
	desc.Transport = relay.Transport(transport)
	if desc.Args == nil {
		desc.Args = []string{}
	}
	return desc, nil
}
