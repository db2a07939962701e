package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pisowifi/pkg/db"
)

const sessionColumns = `mac, token, ip, remaining_seconds, total_paid, is_paused, pausable,
	download_limit, upload_limit, expired_at, created_at, updated_at`

type sessionRow struct {
	MAC              string     `db:"mac"`
	Token            string     `db:"token"`
	IP               string     `db:"ip"`
	RemainingSeconds int64      `db:"remaining_seconds"`
	TotalPaid        int64      `db:"total_paid"`
	IsPaused         bool       `db:"is_paused"`
	Pausable         *bool      `db:"pausable"`
	DownloadLimit    int64      `db:"download_limit"`
	UploadLimit      int64      `db:"upload_limit"`
	ExpiredAt        *time.Time `db:"expired_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r sessionRow) session() Session {
	return Session{
		MAC:              r.MAC,
		Token:            r.Token,
		IP:               r.IP,
		RemainingSeconds: r.RemainingSeconds,
		TotalPaid:        r.TotalPaid,
		IsPaused:         r.IsPaused,
		Pausable:         PausabilityFromPtr(r.Pausable),
		DownloadLimit:    r.DownloadLimit,
		UploadLimit:      r.UploadLimit,
		ExpiredAt:        r.ExpiredAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// PGStore keeps sessions in the Postgres sessions table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps pool.
func NewPGStore(pool *pgxpool.Pool) (*PGStore, error) {
	if pool == nil {
		return nil, errors.New("sessions: nil pool provided")
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) one(ctx context.Context, q db.Querier, query string, args ...any) (Session, error) {
	var row sessionRow
	if err := db.Get(ctx, q, &row, query, args...); err != nil {
		if db.IsNoRows(err) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return row.session(), nil
}

func (s *PGStore) many(ctx context.Context, query string, args ...any) ([]Session, error) {
	var rows []sessionRow
	if err := db.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.session())
	}
	return out, nil
}

func (s *PGStore) ByMAC(ctx context.Context, mac string) (Session, error) {
	return s.one(ctx, s.pool, `SELECT `+sessionColumns+` FROM sessions WHERE mac = $1`, mac)
}

func (s *PGStore) ByToken(ctx context.Context, token string) (Session, error) {
	return s.one(ctx, s.pool, `SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token)
}

func (s *PGStore) ActiveByIP(ctx context.Context, ip string) (Session, error) {
	return s.one(ctx, s.pool, `SELECT `+sessionColumns+` FROM sessions
		WHERE ip = $1 AND remaining_seconds > 0
		ORDER BY updated_at DESC LIMIT 1`, ip)
}

func insert(ctx context.Context, q db.Querier, sess Session) error {
	_, err := db.Exec(ctx, q, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.MAC, sess.Token, sess.IP, sess.RemainingSeconds, sess.TotalPaid, sess.IsPaused,
		sess.Pausable.Ptr(), sess.DownloadLimit, sess.UploadLimit, sess.ExpiredAt,
		sess.CreatedAt, sess.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrTokenConflict
	}
	return err
}

func (s *PGStore) Create(ctx context.Context, sess Session) error {
	if err := insert(ctx, s.pool, sess); err != nil {
		return fmt.Errorf("insert session %s: %w", sess.MAC, err)
	}
	return nil
}

func (s *PGStore) Save(ctx context.Context, sess Session) error {
	tag, err := db.Exec(ctx, s.pool, `UPDATE sessions SET
		token = $2, ip = $3, remaining_seconds = $4, total_paid = $5, is_paused = $6,
		pausable = $7, download_limit = $8, upload_limit = $9, expired_at = $10, updated_at = $11
		WHERE mac = $1`,
		sess.MAC, sess.Token, sess.IP, sess.RemainingSeconds, sess.TotalPaid, sess.IsPaused,
		sess.Pausable.Ptr(), sess.DownloadLimit, sess.UploadLimit, sess.ExpiredAt, sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTokenConflict
		}
		return fmt.Errorf("update session %s: %w", sess.MAC, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Replace(ctx context.Context, merged Session, remove []string) error {
	macs := append([]string{merged.MAC}, remove...)
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE mac = ANY($1)`, macs); err != nil {
			return fmt.Errorf("delete merged sessions: %w", err)
		}
		if err := insert(ctx, tx, merged); err != nil {
			return fmt.Errorf("insert merged session %s: %w", merged.MAC, err)
		}
		return nil
	})
}

func (s *PGStore) Decrement(ctx context.Context) (int64, error) {
	tag, err := db.Exec(ctx, s.pool, `UPDATE sessions
		SET remaining_seconds = remaining_seconds - 1, updated_at = now()
		WHERE remaining_seconds > 0 AND NOT is_paused`)
	if err != nil {
		return 0, fmt.Errorf("decrement sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) PendingExpiry(ctx context.Context) ([]Session, error) {
	return s.many(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE remaining_seconds <= 0 AND expired_at IS NULL`)
}

func (s *PGStore) MarkExpired(ctx context.Context, mac string, at time.Time) (bool, error) {
	tag, err := db.Exec(ctx, s.pool, `UPDATE sessions SET expired_at = $2, updated_at = $2
		WHERE mac = $1 AND expired_at IS NULL AND remaining_seconds <= 0`, mac, at)
	if err != nil {
		return false, fmt.Errorf("mark session %s expired: %w", mac, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Active(ctx context.Context) ([]Session, error) {
	return s.many(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE remaining_seconds > 0`)
}

func (s *PGStore) List(ctx context.Context) ([]Session, error) {
	return s.many(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC`)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
