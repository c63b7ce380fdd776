package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"zenchat/models"
)

// dialect holds what differs between the SQL backends
type dialect struct {
	name         string
	driver       string
	schema       string
	dollarParams bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		handle TEXT NOT NULL DEFAULT '',
		handle_lower TEXT UNIQUE,
		avatar_url TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		ts BIGINT NOT NULL,
		UNIQUE(owner_id, peer_id, id)
	);
` + commonSchema,
}

// tables and indexes whose DDL is the same for every dialect
const commonSchema = `
	CREATE TABLE IF NOT EXISTS chat_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		settings TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		position INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(owner_id, peer_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
`

// rebind rewrites ? placeholders to $n for postgres
func (d dialect) rebind(query string) string {
	if !d.dollarParams {
		return query
	}
	var b strings.Builder
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

// SQLStore implements Store over database/sql
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// OpenSQLite opens (and migrates) a sqlite database. ":memory:" works.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, and an in-memory database only
	// exists on the connection that created it
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, d: sqliteDialect}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.d.name, err)
	}
	return s.Migrate(ctx)
}

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.schema); err != nil {
		return fmt.Errorf("migrate %s: %w", s.d.name, err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.d.rebind(query)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return isPostgresUniqueViolation(err)
}

// User queries

const userColumns = "id, name, email, handle, avatar_url, secret_hash, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var r userRecord
	err := row.Scan(&r.ID, &r.Name, &r.Email, &r.Handle, &r.AvatarURL, &r.SecretHash, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.user(), nil
}

// CreateUser inserts a new user into the database
func (s *SQLStore) CreateUser(ctx context.Context, name, email, secret string) (*models.User, error) {
	hash, err := hashSecret(secret)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(name),
		Email:      normalizeEmail(email),
		SecretHash: hash,
		CreatedAt:  time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}

	_, err = s.db.ExecContext(ctx, s.q(
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, '', '', ?, ?)"),
		u.ID, u.Name, u.Email, u.SecretHash, u.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateEmail
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate checks the credential of the account registered under email
func (s *SQLStore) Authenticate(ctx context.Context, email, secret string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE email = ?"), normalizeEmail(email)))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !checkSecret(u.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// GetUser retrieves a user by their ID
func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE id = ?"), id))
}

// UpdateUser applies a partial profile edit, re-checking handle ownership
func (s *SQLStore) UpdateUser(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE id = ?"), id))
	if err != nil {
		return nil, err
	}

	if upd.Handle != nil {
		h := cleanHandle(*upd.Handle)
		upd.Handle = &h
		if lower := normalizeHandle(h); lower != "" {
			var owner string
			err := tx.QueryRowContext(ctx, s.q("SELECT id FROM users WHERE handle_lower = ? AND id <> ?"), lower, id).Scan(&owner)
			if err == nil {
				return nil, ErrHandleTaken
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		}
	}
	u.Apply(upd)

	handleLower := sql.NullString{String: normalizeHandle(u.Handle), Valid: u.Handle != ""}
	_, err = tx.ExecContext(ctx, s.q(
		"UPDATE users SET name = ?, handle = ?, handle_lower = ?, avatar_url = ? WHERE id = ?"),
		u.Name, u.Handle, handleLower, u.AvatarURL, id,
	)
	if isUniqueViolation(err) {
		return nil, ErrHandleTaken
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrHandleTaken
		}
		return nil, err
	}
	return u, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchUsers matches name, handle or email case-insensitively
func (s *SQLStore) SearchUsers(ctx context.Context, query, excludeID string) ([]models.ProfileSummary, error) {
	results := []models.ProfileSummary{}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return results, nil
	}
	pattern := "%" + likeEscaper.Replace(q) + "%"

	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+userColumns+` FROM users
		WHERE id <> ? AND (LOWER(name) LIKE ? ESCAPE '\' OR handle_lower LIKE ? ESCAPE '\' OR email LIKE ? ESCAPE '\')
		ORDER BY name LIMIT ?`),
		excludeID, pattern, pattern, pattern, SearchLimit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, u.ToSummary())
	}
	return results, rows.Err()
}

// Session queries

// CreateSession stores a login session
func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, s.q(
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)"),
		sess.ID, sess.UserID, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	)
	return err
}

// GetSession retrieves a session by its ID
func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var (
		sess             models.Session
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?"), id,
	).Scan(&sess.ID, &sess.UserID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expires).UTC()
	if sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// DeleteSession removes a session
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM sessions WHERE id = ?"), id)
	return err
}

// Message queries

// AppendMessage inserts one row per message; the unique key makes a
// redelivered id a no-op and concurrent appends never overwrite each other.
func (s *SQLStore) AppendMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) (bool, error) {
	if err := checkAppend(key, msg); err != nil {
		return false, err
	}
	content := *msg
	content.Status = ""
	payload, err := json.Marshal(&content)
	if err != nil {
		return false, err
	}
	status := msg.Status
	if status == "" {
		status = models.StatusSent
	}

	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO messages (owner_id, peer_id, id, payload, status, ts) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, peer_id, id) DO NOTHING`),
		key.Owner, key.Peer, msg.ID, string(payload), string(status), msg.Timestamp,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReadLog returns a conversation log in append order
func (s *SQLStore) ReadLog(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		"SELECT payload, status FROM messages WHERE owner_id = ? AND peer_id = ? ORDER BY seq"),
		key.Owner, key.Peer,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	log := []models.Message{}
	for rows.Next() {
		var payload, status string
		if err := rows.Scan(&payload, &status); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.Status = models.MessageStatus(status)
		log = append(log, m)
	}
	return log, rows.Err()
}

// SetMessageStatus moves a message's status forward
func (s *SQLStore) SetMessageStatus(ctx context.Context, key models.ConversationKey, id string, status models.MessageStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, s.q(
		"SELECT status FROM messages WHERE owner_id = ? AND peer_id = ? AND id = ?"),
		key.Owner, key.Peer, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !models.MessageStatus(current).Advances(status) {
		return nil
	}

	if _, err := tx.ExecContext(ctx, s.q(
		"UPDATE messages SET status = ? WHERE owner_id = ? AND peer_id = ? AND id = ?"),
		string(status), key.Owner, key.Peer, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ListPeers returns the peers owner has a direct log with
func (s *SQLStore) ListPeers(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		"SELECT DISTINCT peer_id FROM messages WHERE owner_id = ? ORDER BY peer_id"), owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Group queries

// CreateGroup stores a group; the owner is always a member and an admin
func (s *SQLStore) CreateGroup(ctx context.Context, name string, groupType models.GroupType, memberIDs []string, avatar, ownerID string) (*models.Group, error) {
	g := newGroup(name, groupType, memberIDs, avatar, ownerID)
	settings, err := json.Marshal(g.Settings)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(
		"INSERT INTO chat_groups (id, name, type, avatar_url, owner_id, settings, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		g.ID, g.Name, string(g.Type), g.AvatarURL, g.OwnerID, string(settings), g.CreatedAt.UnixMilli(),
	); err != nil {
		return nil, err
	}
	for i, uid := range g.MemberIDs {
		role := "member"
		if g.IsAdmin(uid) {
			role = "admin"
		}
		if _, err := tx.ExecContext(ctx, s.q(
			"INSERT INTO group_members (group_id, user_id, role, position) VALUES (?, ?, ?, ?)"),
			g.ID, uid, role, i,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return g, nil
}

// GetGroup retrieves a group with its member and admin sets
func (s *SQLStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var (
		g        models.Group
		gType    string
		settings string
		created  int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		"SELECT id, name, type, avatar_url, owner_id, settings, created_at FROM chat_groups WHERE id = ?"), id,
	).Scan(&g.ID, &g.Name, &gType, &g.AvatarURL, &g.OwnerID, &settings, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Type = models.GroupType(gType)
	g.CreatedAt = time.UnixMilli(created).UTC()
	if err := json.Unmarshal([]byte(settings), &g.Settings); err != nil {
		return nil, fmt.Errorf("decode group settings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(
		"SELECT user_id, role FROM group_members WHERE group_id = ? ORDER BY position"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid, role string
		if err := rows.Scan(&uid, &role); err != nil {
			return nil, err
		}
		g.MemberIDs = append(g.MemberIDs, uid)
		if role == "admin" {
			g.AdminIDs = append(g.AdminIDs, uid)
		}
	}
	return &g, rows.Err()
}

// GroupsForUser returns every group userID is a member of
func (s *SQLStore) GroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		"SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id"), userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]models.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, nil
}

// Settings queries

func (s *SQLStore) GetSettings(ctx context.Context, userID string) (*models.Settings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.q("SELECT payload FROM user_settings WHERE user_id = ?"), userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var settings models.Settings
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *SQLStore) SaveSettings(ctx context.Context, userID string, settings *models.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO user_settings (user_id, payload) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET payload = excluded.payload`),
		userID, string(payload),
	)
	return err
}

// ReadSnapshot assembles the sync state of userID
func (s *SQLStore) ReadSnapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	return buildSnapshot(ctx, s, userID)
}
