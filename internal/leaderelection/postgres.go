package leaderelection

import (
	"context"
	"database/sql"
)

// PostgresOpener returns an Opener backed by a Postgres session-scoped
// advisory lock on key. Each session pins one pooled connection.
func PostgresOpener(db *sql.DB, key int64) Opener {
	return func(ctx context.Context) (Session, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &pgSession{conn: conn, key: key}, nil
	}
}

type pgSession struct {
	conn *sql.Conn
	key  int64
}

func (s *pgSession) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", s.key).Scan(&acquired)
	return acquired, err
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close returns the connection to the pool. The advisory lock would
// otherwise survive on the pooled session, so it is unlocked first.
func (s *pgSession) Close() error {
	_, _ = s.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}
