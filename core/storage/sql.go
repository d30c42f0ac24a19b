// Package storage provides SQL implementations of core.Storage for
// PostgreSQL (pgx) and SQLite (ncruces/go-sqlite3). Both share one set of
// queries; placeholders and timestamp encoding are adapted per dialect.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ncruces/go-sqlite3"

	"github.com/wispberry-tech/sanctuary/core"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

var timeLayouts = []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlStore implements core.Storage on database/sql.
type sqlStore struct {
	db      *sql.DB
	q       dbtx
	dialect dialect
	inTx    bool
}

var _ core.Storage = (*sqlStore)(nil)

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, q: db, dialect: d}
}

// DB returns the underlying connection pool.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// ts encodes a timestamp argument for the dialect.
func (s *sqlStore) ts(t time.Time) any {
	if s.dialect == dialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t
}

func (s *sqlStore) nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.ts(*t)
}

// timeValue scans TIMESTAMPTZ values and SQLite text timestamps.
type timeValue struct {
	dst   *time.Time
	valid bool
}

func scanTime(dst *time.Time) *timeValue {
	return &timeValue{dst: dst}
}

func (tv *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		tv.valid = false
		return nil
	case time.Time:
		*tv.dst = v
	case string:
		t, err := parseTime(v)
		if err != nil {
			return err
		}
		*tv.dst = t
	case []byte:
		t, err := parseTime(string(v))
		if err != nil {
			return err
		}
		*tv.dst = t
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	tv.valid = true
	return nil
}

// nullTime scans a nullable timestamp into a *time.Time field.
type nullTime struct {
	dst **time.Time
}

func scanNullTime(dst **time.Time) nullTime {
	return nullTime{dst: dst}
}

func (nt nullTime) Scan(src any) error {
	var t time.Time
	tv := scanTime(&t)
	if err := tv.Scan(src); err != nil {
		return err
	}
	if tv.valid {
		*nt.dst = &t
	} else {
		*nt.dst = nil
	}
	return nil
}

func parseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// isDuplicate reports a unique constraint violation from either driver.
func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

func id64(id uint) int64 {
	return int64(id)
}

// WithTx runs fn in a transaction. Calls made while already inside a
// transaction reuse it.
func (s *sqlStore) WithTx(ctx context.Context, fn func(tx core.Storage) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &sqlStore{db: s.db, q: tx, dialect: s.dialect, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *sqlStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// User operations

const userColumns = `id, uuid, email, name, password_hash, provider, provider_id, status,
	global_role, last_login_at, last_login_ip, password_changed_at, created_at, updated_at`

func scanUser(row rowScanner) (*core.User, error) {
	user := &core.User{}
	err := row.Scan(
		&user.ID, &user.UUID, &user.Email, &user.Name, &user.PasswordHash,
		&user.Provider, &user.ProviderID, &user.Status, &user.GlobalRole,
		scanNullTime(&user.LastLoginAt), &user.LastLoginIP, scanNullTime(&user.PasswordChangedAt),
		scanTime(&user.CreatedAt), scanTime(&user.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, user *core.User) error {
	query := `INSERT INTO users (uuid, email, name, password_hash, provider, provider_id,
			  status, global_role, password_changed_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

	if user.Provider == "" {
		user.Provider = "email"
	}
	err := s.queryRow(ctx, query,
		user.UUID, strings.ToLower(user.Email), user.Name, user.PasswordHash,
		user.Provider, user.ProviderID, string(user.Status), user.GlobalRole,
		s.nullTS(user.PasswordChangedAt), s.ts(user.CreatedAt), s.ts(user.UpdatedAt)).Scan(&user.ID)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("failed to create user: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *sqlStore) getUser(ctx context.Context, where string, arg any) (*core.User, error) {
	user, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	user, err := s.getUser(ctx, `email = ?`, strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id uint) (*core.User, error) {
	user, err := s.getUser(ctx, `id = ?`, id64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	return user, nil
}

func (s *sqlStore) UpdateUser(ctx context.Context, user *core.User) error {
	query := `UPDATE users SET email = ?, name = ?, password_hash = ?, provider = ?, provider_id = ?,
			  status = ?, global_role = ?, updated_at = ?
			  WHERE id = ?`

	_, err := s.exec(ctx, query,
		strings.ToLower(user.Email), user.Name, user.PasswordHash, user.Provider, user.ProviderID,
		string(user.Status), user.GlobalRole, s.ts(user.UpdatedAt), id64(user.ID))
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("failed to update user: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateLastLogin(ctx context.Context, userID uint, ipAddress string, at time.Time) error {
	query := `UPDATE users SET last_login_at = ?, last_login_ip = ?, updated_at = ? WHERE id = ?`
	if _, err := s.exec(ctx, query, s.ts(at), ipAddress, s.ts(at), id64(userID)); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdatePassword(ctx context.Context, userID uint, passwordHash string, at time.Time) error {
	query := `UPDATE users SET password_hash = ?, password_changed_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.exec(ctx, query, passwordHash, s.ts(at), s.ts(at), id64(userID)); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// Session operations

const sessionColumns = `id, user_id, token_hash, ip_address, user_agent, remember_me,
	created_at, expires_at, last_activity`

func scanSession(row rowScanner) (*core.Session, error) {
	session := &core.Session{}
	err := row.Scan(
		&session.ID, &session.UserID, &session.TokenHash, &session.IPAddress, &session.UserAgent,
		&session.RememberMe, scanTime(&session.CreatedAt), scanTime(&session.ExpiresAt),
		scanTime(&session.LastActivity))
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, session *core.Session) error {
	query := `INSERT INTO sessions (id, user_id, token_hash, ip_address, user_agent, remember_me,
			  created_at, expires_at, last_activity)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		session.ID, id64(session.UserID), session.TokenHash, session.IPAddress, session.UserAgent,
		session.RememberMe, s.ts(session.CreatedAt), s.ts(session.ExpiresAt), s.ts(session.LastActivity))
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("failed to create session: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*core.Session, error) {
	session, err := scanSession(s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *sqlStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, s.ts(at), id); err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

func (s *sqlStore) ListUserSessions(ctx context.Context, userID uint, now time.Time) ([]*core.Session, error) {
	rows, err := s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND expires_at > ?
		 ORDER BY last_activity DESC`, id64(userID), s.ts(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *sqlStore) DeleteSessionByTokenHash(ctx context.Context, tokenHash string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteSessionByID(ctx context.Context, userID uint, id string) (bool, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, id64(userID))
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) DeleteUserSessions(ctx context.Context, userID uint) (int64, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM sessions WHERE user_id = ?`, id64(userID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return n, nil
}

func (s *sqlStore) DeleteUserSessionsExcept(ctx context.Context, userID uint, keepID string) (int64, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM sessions WHERE user_id = ? AND id <> ?`, id64(userID), keepID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete other sessions: %w", err)
	}
	return n, nil
}

func (s *sqlStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.ts(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}

func (s *sqlStore) deleteRows(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// Login attempt operations

func (s *sqlStore) RecordLoginAttempt(ctx context.Context, attempt *core.LoginAttempt) error {
	query := `INSERT INTO login_attempts (email, ip_address, user_agent, success, attempted_at)
			  VALUES (?, ?, ?, ?, ?) RETURNING id`

	err := s.queryRow(ctx, query,
		strings.ToLower(attempt.Email), attempt.IPAddress, attempt.UserAgent, attempt.Success,
		s.ts(attempt.AttemptedAt)).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// attemptFilter matches email, or ip when one is known.
func attemptFilter(email, ipAddress string) (string, []any) {
	if ipAddress == "" {
		return `email = ?`, []any{strings.ToLower(email)}
	}
	return `(email = ? OR ip_address = ?)`, []any{strings.ToLower(email), ipAddress}
}

func (s *sqlStore) CountFailedLoginAttempts(ctx context.Context, email, ipAddress string, since time.Time) (int, error) {
	filter, args := attemptFilter(email, ipAddress)
	query := `SELECT COUNT(*) FROM login_attempts
			  WHERE success = FALSE AND attempted_at >= ? AND ` + filter

	var count int
	if err := s.queryRow(ctx, query, append([]any{s.ts(since)}, args...)...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count login attempts: %w", err)
	}
	return count, nil
}

func (s *sqlStore) ClearFailedLoginAttempts(ctx context.Context, email string) error {
	query := `DELETE FROM login_attempts WHERE success = FALSE AND email = ?`
	if _, err := s.exec(ctx, query, strings.ToLower(email)); err != nil {
		return fmt.Errorf("failed to clear login attempts: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteLoginAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM login_attempts WHERE attempted_at < ?`, s.ts(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old login attempts: %w", err)
	}
	return n, nil
}

// Password reset operations

func (s *sqlStore) CreatePasswordResetToken(ctx context.Context, token *core.PasswordResetToken) error {
	query := `INSERT INTO password_reset_tokens (user_id, token_hash, expires_at, created_at)
			  VALUES (?, ?, ?, ?) RETURNING id`

	err := s.queryRow(ctx, query,
		id64(token.UserID), token.TokenHash, s.ts(token.ExpiresAt), s.ts(token.CreatedAt)).Scan(&token.ID)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("failed to create password reset token: %w", core.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create password reset token: %w", err)
	}
	return nil
}

func (s *sqlStore) GetPasswordResetToken(ctx context.Context, tokenHash string) (*core.PasswordResetToken, error) {
	token := &core.PasswordResetToken{}
	err := s.queryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at
		 FROM password_reset_tokens WHERE token_hash = ?`, tokenHash).Scan(
		&token.ID, &token.UserID, &token.TokenHash, scanTime(&token.ExpiresAt), scanTime(&token.CreatedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get password reset token: %w", err)
	}
	return token, nil
}

func (s *sqlStore) DeletePasswordResetToken(ctx context.Context, id uint) (bool, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM password_reset_tokens WHERE id = ?`, id64(id))
	if err != nil {
		return false, fmt.Errorf("failed to delete password reset token: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) DeleteUserPasswordResetTokens(ctx context.Context, userID uint) error {
	if _, err := s.exec(ctx, `DELETE FROM password_reset_tokens WHERE user_id = ?`, id64(userID)); err != nil {
		return fmt.Errorf("failed to delete user password reset tokens: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.deleteRows(ctx, `DELETE FROM password_reset_tokens WHERE expires_at <= ?`, s.ts(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired password reset tokens: %w", err)
	}
	return n, nil
}

// Membership operations

const membershipColumns = `user_id, congregation_id, role, status, is_primary, joined_at`

func scanMembership(row rowScanner) (*core.CongregationMembership, error) {
	m := &core.CongregationMembership{}
	err := row.Scan(&m.UserID, &m.CongregationID, &m.Role, &m.Status, &m.IsPrimary, scanTime(&m.JoinedAt))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *sqlStore) getMembership(ctx context.Context, where string, args ...any) (*core.CongregationMembership, error) {
	m, err := scanMembership(s.queryRow(ctx,
		`SELECT `+membershipColumns+` FROM congregation_memberships WHERE `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *sqlStore) GetMembership(ctx context.Context, userID, congregationID uint) (*core.CongregationMembership, error) {
	m, err := s.getMembership(ctx, `user_id = ? AND congregation_id = ?`, id64(userID), id64(congregationID))
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

func (s *sqlStore) GetPrimaryMembership(ctx context.Context, userID uint) (*core.CongregationMembership, error) {
	m, err := s.getMembership(ctx, `user_id = ? AND is_primary = TRUE`, id64(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get primary membership: %w", err)
	}
	return m, nil
}

func (s *sqlStore) ListMemberships(ctx context.Context, userID uint) ([]*core.CongregationMembership, error) {
	rows, err := s.query(ctx,
		`SELECT `+membershipColumns+` FROM congregation_memberships
		 WHERE user_id = ? ORDER BY is_primary DESC, congregation_id`, id64(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*core.CongregationMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	return memberships, nil
}

func (s *sqlStore) UpsertMembership(ctx context.Context, m *core.CongregationMembership) error {
	return s.WithTx(ctx, func(tx core.Storage) error {
		txStore := tx.(*sqlStore)
		if m.IsPrimary {
			_, err := txStore.exec(ctx,
				`UPDATE congregation_memberships SET is_primary = FALSE
				 WHERE user_id = ? AND congregation_id <> ?`, id64(m.UserID), id64(m.CongregationID))
			if err != nil {
				return fmt.Errorf("failed to clear primary membership: %w", err)
			}
		}

		query := `INSERT INTO congregation_memberships (user_id, congregation_id, role, status, is_primary, joined_at)
				  VALUES (?, ?, ?, ?, ?, ?)
				  ON CONFLICT (user_id, congregation_id) DO UPDATE SET
				  role = excluded.role, status = excluded.status, is_primary = excluded.is_primary`
		_, err := txStore.exec(ctx, query,
			id64(m.UserID), id64(m.CongregationID), m.Role, string(m.Status), m.IsPrimary, s.ts(m.JoinedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert membership: %w", err)
		}
		return nil
	})
}

// Security event operations

func (s *sqlStore) CreateSecurityEvent(ctx context.Context, event *core.SecurityEvent) error {
	query := `INSERT INTO security_events (user_id, event_type, description, ip_address, user_agent,
			  severity, success, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

	var userID any
	if event.UserID != nil {
		userID = id64(*event.UserID)
	}
	err := s.queryRow(ctx, query,
		userID, event.EventType, event.Description, event.IPAddress, event.UserAgent,
		event.Severity, event.Success, s.ts(event.CreatedAt)).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (s *sqlStore) ListSecurityEvents(ctx context.Context, userID *uint, eventType string, limit, offset int) ([]*core.SecurityEvent, error) {
	var conditions []string
	var args []any
	if userID != nil {
		conditions = append(conditions, `user_id = ?`)
		args = append(args, id64(*userID))
	}
	if eventType != "" {
		conditions = append(conditions, `event_type = ?`)
		args = append(args, eventType)
	}

	query := `SELECT id, user_id, event_type, description, ip_address, user_agent, severity, success, created_at
			  FROM security_events`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var events []*core.SecurityEvent
	for rows.Next() {
		event := &core.SecurityEvent{}
		var eventUserID sql.NullInt64
		if err := rows.Scan(&event.ID, &eventUserID, &event.EventType, &event.Description,
			&event.IPAddress, &event.UserAgent, &event.Severity, &event.Success,
			scanTime(&event.CreatedAt)); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if eventUserID.Valid {
			id := uint(eventUserID.Int64)
			event.UserID = &id
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}
