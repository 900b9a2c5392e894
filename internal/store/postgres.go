package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is the PostgreSQL-backed Store. Each mutation is a single atomic
// statement except DebitPoints, which also appends to the point ledger in
// the same transaction.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the database at dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// CreateUser inserts or replaces a user record. Registration lives outside
// this service; it is used for seeding and tests.
func (p *Postgres) CreateUser(ctx context.Context, u *User) error {
	const query = `
		INSERT INTO users (id, nickname, profile_image, gender, interests, personality,
			rating_average, rating_count, blocked_users, is_banned, suspended_until, points)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			profile_image = EXCLUDED.profile_image,
			gender = EXCLUDED.gender,
			interests = EXCLUDED.interests,
			personality = EXCLUDED.personality,
			rating_average = EXCLUDED.rating_average,
			rating_count = EXCLUDED.rating_count,
			blocked_users = EXCLUDED.blocked_users,
			is_banned = EXCLUDED.is_banned,
			suspended_until = EXCLUDED.suspended_until,
			points = EXCLUDED.points`

	var suspended sql.NullTime
	if !u.SuspendedUntil.IsZero() {
		suspended = sql.NullTime{Time: u.SuspendedUntil, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, query,
		u.ID, u.Nickname, u.ProfileImage, u.Gender,
		pq.Array(nonNil(u.Interests)), u.Personality,
		u.RatingAverage, u.RatingCount,
		pq.Array(nonNil(u.BlockedUsers)), u.Banned, suspended, u.Points,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (p *Postgres) FindUser(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, nickname, profile_image, gender, interests, personality,
			rating_average, rating_count, blocked_users, is_banned, suspended_until, points
		FROM users
		WHERE id = $1`

	var (
		u         User
		suspended sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Nickname, &u.ProfileImage, &u.Gender,
		pq.Array(&u.Interests), &u.Personality,
		&u.RatingAverage, &u.RatingCount,
		pq.Array(&u.BlockedUsers), &u.Banned, &suspended, &u.Points,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user %s: %w", id, err)
	}
	if suspended.Valid {
		u.SuspendedUntil = suspended.Time
	}
	return &u, nil
}

func (p *Postgres) DebitPoints(ctx context.Context, id string, amount int, reason string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: debit points: begin: %w", err)
	}
	defer tx.Rollback()

	var remaining int
	err = tx.QueryRowContext(ctx,
		`UPDATE users SET points = points - $2 WHERE id = $1 AND points >= $2 RETURNING points`,
		id, amount,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		var balance int
		err := tx.QueryRowContext(ctx, `SELECT points FROM users WHERE id = $1`, id).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("store: user %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("store: debit points: read balance: %w", err)
		}
		return balance, ErrInsufficientPoints
	}
	if err != nil {
		return 0, fmt.Errorf("store: debit points: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO point_history (user_id, amount, reason) VALUES ($1, $2, $3)`,
		id, -amount, reason,
	); err != nil {
		return 0, fmt.Errorf("store: debit points: ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: debit points: commit: %w", err)
	}
	return remaining, nil
}

func (p *Postgres) CreateRoom(ctx context.Context, participants []string) (*Room, error) {
	if len(participants) < 2 {
		return nil, fmt.Errorf("store: create room: need at least two participants, got %d", len(participants))
	}

	r := &Room{
		ID:           uuid.New().String(),
		Participants: append([]string(nil), participants...),
		Active:       true,
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO chat_rooms (id, participants) VALUES ($1, $2) RETURNING created_at`,
		r.ID, pq.Array(r.Participants),
	).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create room: %w", err)
	}
	return r, nil
}

func (p *Postgres) FindRoom(ctx context.Context, id string) (*Room, error) {
	const query = `
		SELECT id, participants, is_active, created_at, ended_at
		FROM chat_rooms
		WHERE id = $1`

	var (
		r     Room
		ended sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, pq.Array(&r.Participants), &r.Active, &r.CreatedAt, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find room %s: %w", id, err)
	}
	if ended.Valid {
		r.EndedAt = ended.Time
	}
	return &r, nil
}

func (p *Postgres) EndRoom(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE chat_rooms SET is_active = FALSE, ended_at = NOW() WHERE id = $1 AND is_active`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("store: end room %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: end room %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_rooms WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: end room %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("store: room %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	saved := *msg
	saved.ID = uuid.New().String()
	if saved.Type == "" {
		saved.Type = MessageText
	}

	const query = `
		INSERT INTO messages (id, room_id, sender_id, sender_nickname, content, type, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := p.db.QueryRowContext(ctx, query,
		saved.ID, saved.RoomID, saved.SenderID, saved.SenderNickname,
		saved.Content, saved.Type, saved.IsRead,
	).Scan(&saved.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: save message: %w", err)
	}
	return &saved, nil
}

// DB returns the underlying handle.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
