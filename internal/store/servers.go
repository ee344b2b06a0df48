package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/model"
)

const serverColumns = `id, ip, env, region, pool, online, draining, last_heartbeat_at, created_at`

func scanServer(row pgx.Row) (*model.WorkerServer, error) {
	var srv model.WorkerServer
	err := row.Scan(&srv.ID, &srv.IP, &srv.Env, &srv.Region, &srv.Pool,
		&srv.Online, &srv.Draining, &srv.LastHeartbeatAt, &srv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *PostgresStore) UpsertServerHeartbeat(ctx context.Context, srv *model.WorkerServer) (*model.WorkerServer, error) {
	now := time.Now().UTC()
	out, err := scanServer(s.pool.QueryRow(ctx,
		`INSERT INTO servers (id, ip, env, region, pool, online, draining, last_heartbeat_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   ip = EXCLUDED.ip,
		   env = EXCLUDED.env,
		   region = EXCLUDED.region,
		   pool = EXCLUDED.pool,
		   online = TRUE,
		   last_heartbeat_at = EXCLUDED.last_heartbeat_at
		 RETURNING `+serverColumns,
		srv.ID, srv.IP, srv.Env, srv.Region, srv.Pool, now))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert server %s", srv.ID)
	}
	return out, nil
}

func (s *PostgresStore) GetServer(ctx context.Context, serverID string) (*model.WorkerServer, error) {
	srv, err := scanServer(s.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, serverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "server %s", serverID)
		}
		return nil, eris.Wrapf(err, "postgres: get server %s", serverID)
	}
	return srv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]model.WorkerServer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list servers")
	}
	defer rows.Close()

	var servers []model.WorkerServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan server")
		}
		servers = append(servers, *srv)
	}
	return servers, eris.Wrap(rows.Err(), "postgres: list servers iterate")
}

func (s *PostgresStore) SetServerDraining(ctx context.Context, serverID string, draining bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE servers SET draining = $1 WHERE id = $2`, draining, serverID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set server %s draining", serverID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "server %s", serverID)
	}
	return nil
}

func (s *PostgresStore) MarkStaleServersOffline(ctx context.Context, threshold time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE servers SET online = FALSE WHERE online AND last_heartbeat_at < $1`,
		time.Now().UTC().Add(-threshold))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark stale servers offline")
	}
	return int(tag.RowsAffected()), nil
}
