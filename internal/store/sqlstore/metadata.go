package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/store"
)

func (s *SQLStore) SaveNodeInfo(ctx context.Context, actorID string, ni store.NodeInfo) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO node_infos (actor_id, version, software, updated) VALUES (?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET version=excluded.version, software=excluded.software, updated=excluded.updated`
	} else {
		q = `INSERT INTO node_infos (actor_id, version, software, updated) VALUES ($1, $2, $3, $4)
			ON CONFLICT(actor_id) DO UPDATE SET version=excluded.version, software=excluded.software, updated=excluded.updated`
	}
	if _, err := s.db.ExecContext(ctx, q, actorID, ni.Version, ni.Software, ni.Updated.UTC()); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "save nodeinfo", err)
	}
	return nil
}

func (s *SQLStore) GetNodeInfo(ctx context.Context, actorID string) (*store.NodeInfo, error) {
	var ni store.NodeInfo
	err := s.db.QueryRowContext(ctx, `SELECT version, software, updated FROM node_infos WHERE actor_id = `+s.ph(1), actorID).
		Scan(&ni.Version, &ni.Software, &ni.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "get nodeinfo", err)
	}
	return &ni, nil
}

func (s *SQLStore) SaveInstance(ctx context.Context, actorID string, inst store.Instance) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO instances (actor_id, title, short_description, description, version, registrations, approval_required, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET title=excluded.title, short_description=excluded.short_description,
				description=excluded.description, version=excluded.version, registrations=excluded.registrations,
				approval_required=excluded.approval_required, updated=excluded.updated`
	} else {
		q = `INSERT INTO instances (actor_id, title, short_description, description, version, registrations, approval_required, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT(actor_id) DO UPDATE SET title=excluded.title, short_description=excluded.short_description,
				description=excluded.description, version=excluded.version, registrations=excluded.registrations,
				approval_required=excluded.approval_required, updated=excluded.updated`
	}
	if _, err := s.db.ExecContext(ctx, q, actorID, inst.Title, inst.ShortDescription, inst.Description,
		inst.Version, inst.Registrations, inst.ApprovalRequired, inst.Updated.UTC()); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "save instance", err)
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, actorID string) (*store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT title, short_description, description, version, registrations, approval_required, updated
			FROM instances WHERE actor_id = `+s.ph(1), actorID).
		Scan(&inst.Title, &inst.ShortDescription, &inst.Description, &inst.Version,
			&inst.Registrations, &inst.ApprovalRequired, &inst.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "get instance", err)
	}
	return &inst, nil
}

func (s *SQLStore) SaveContact(ctx context.Context, actorID string, c store.Contact) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO contacts (actor_id, username, avatar, updated) VALUES (?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET username=excluded.username, avatar=excluded.avatar, updated=excluded.updated`
	} else {
		q = `INSERT INTO contacts (actor_id, username, avatar, updated) VALUES ($1, $2, $3, $4)
			ON CONFLICT(actor_id) DO UPDATE SET username=excluded.username, avatar=excluded.avatar, updated=excluded.updated`
	}
	if _, err := s.db.ExecContext(ctx, q, actorID, c.Username, c.Avatar, c.Updated.UTC()); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "save contact", err)
	}
	return nil
}

func (s *SQLStore) GetContact(ctx context.Context, actorID string) (*store.Contact, error) {
	var c store.Contact
	err := s.db.QueryRowContext(ctx, `SELECT username, avatar, updated FROM contacts WHERE actor_id = `+s.ph(1), actorID).
		Scan(&c.Username, &c.Avatar, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "get contact", err)
	}
	return &c, nil
}

// ─── Allow / block policy ───────────────────────────────────────────────────

func (s *SQLStore) Allow(ctx context.Context, authority string) error {
	return s.insertIgnore(ctx, "allowed_authorities", authority)
}

func (s *SQLStore) Block(ctx context.Context, authority string) error {
	return s.insertIgnore(ctx, "blocked_authorities", authority)
}

func (s *SQLStore) Unallow(ctx context.Context, authority string) error {
	return s.deleteAuthority(ctx, "allowed_authorities", authority)
}

func (s *SQLStore) Unblock(ctx context.Context, authority string) error {
	return s.deleteAuthority(ctx, "blocked_authorities", authority)
}

func (s *SQLStore) insertIgnore(ctx context.Context, table, authority string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO ` + table + ` (authority) VALUES (?)`
	} else {
		q = `INSERT INTO ` + table + ` (authority) VALUES ($1) ON CONFLICT DO NOTHING`
	}
	if _, err := s.db.ExecContext(ctx, q, authority); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "insert "+table, err)
	}
	return nil
}

func (s *SQLStore) deleteAuthority(ctx context.Context, table, authority string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE authority = `+s.ph(1), authority); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "delete from "+table, err)
	}
	return nil
}

func (s *SQLStore) Allowed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT authority FROM allowed_authorities`)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "list allowed", err)
	}
	return scanStrings(rows)
}

func (s *SQLStore) Blocked(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT authority FROM blocked_authorities`)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "list blocked", err)
	}
	return scanStrings(rows)
}

func (s *SQLStore) IsAllowed(ctx context.Context, authority string) (bool, error) {
	return s.exists(ctx, "allowed_authorities", authority)
}

func (s *SQLStore) IsBlocked(ctx context.Context, authority string) (bool, error) {
	return s.exists(ctx, "blocked_authorities", authority)
}

func (s *SQLStore) exists(ctx context.Context, table, authority string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE authority = `+s.ph(1), authority).Scan(&n)
	if err != nil {
		return false, relayerr.Wrap(relayerr.KindStorage, "check membership in "+table, err)
	}
	return n > 0, nil
}

// ─── Key/value: private key, last-seen, activity cache ──────────────────────

func (s *SQLStore) PrivateKeyPEM(ctx context.Context) (string, bool, error) {
	return s.getKV(ctx, "relay_private_key")
}

func (s *SQLStore) SavePrivateKeyPEM(ctx context.Context, pem string) error {
	return s.setKV(ctx, "relay_private_key", pem)
}

func (s *SQLStore) getKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "get kv "+key, err)
	}
	return v, true, nil
}

func (s *SQLStore) setKV(ctx context.Context, key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	}
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "set kv "+key, err)
	}
	return nil
}

func (s *SQLStore) MarkLastSeen(ctx context.Context, authority string, at time.Time) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO last_seen (authority, seen_at) VALUES (?, ?) ON CONFLICT(authority) DO UPDATE SET seen_at=excluded.seen_at`
	} else {
		q = `INSERT INTO last_seen (authority, seen_at) VALUES ($1, $2) ON CONFLICT(authority) DO UPDATE SET seen_at=excluded.seen_at`
	}
	if _, err := s.db.ExecContext(ctx, q, authority, at.UTC()); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "mark last seen", err)
	}
	return nil
}

func (s *SQLStore) LastSeen(ctx context.Context, authority string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT seen_at FROM last_seen WHERE authority = `+s.ph(1), authority).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, relayerr.Wrap(relayerr.KindStorage, "get last seen", err)
	}
	return t, true, nil
}

func (s *SQLStore) CacheActivity(ctx context.Context, objectID, activityID string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UTC()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO activity_cache (object_id, activity_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(object_id) DO UPDATE SET activity_id=excluded.activity_id, expires_at=excluded.expires_at`
	} else {
		q = `INSERT INTO activity_cache (object_id, activity_id, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT(object_id) DO UPDATE SET activity_id=excluded.activity_id, expires_at=excluded.expires_at`
	}
	if _, err := s.db.ExecContext(ctx, q, objectID, activityID, expiresAt); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "cache activity", err)
	}
	return nil
}

func (s *SQLStore) LookupActivity(ctx context.Context, objectID string) (string, bool, error) {
	var activityID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT activity_id, expires_at FROM activity_cache WHERE object_id = `+s.ph(1), objectID).
		Scan(&activityID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "lookup activity cache", err)
	}
	if time.Now().After(expiresAt) {
		return "", false, nil
	}
	return activityID, true, nil
}
