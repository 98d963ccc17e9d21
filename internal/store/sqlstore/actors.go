package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/relaybridge/internal/relayerr"
	"github.com/klppl/relaybridge/internal/store"
)

// actorFreshness bounds how long a row may be returned by FindActorByID
// since it was last updated. Staler rows are reported as a miss so the
// caller falls through to a network refetch.
const actorFreshness = 120 * time.Second

func (s *SQLStore) UpsertActor(ctx context.Context, a store.Actor) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO actors (actor_id, public_key_id, public_key, listener_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET
				public_key_id = excluded.public_key_id,
				public_key = excluded.public_key,
				listener_id = excluded.listener_id,
				updated_at = excluded.updated_at`
	} else {
		q = `INSERT INTO actors (actor_id, public_key_id, public_key, listener_id, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT(actor_id) DO UPDATE SET
				public_key_id = excluded.public_key_id,
				public_key = excluded.public_key,
				listener_id = excluded.listener_id,
				updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, q, a.ID, a.PublicKeyID, a.PublicKey, a.ListenerID, a.UpdatedAt.UTC()); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "upsert actor", err)
	}
	return nil
}

// DeleteActor removes the actor row, then deletes its listener iff no
// sibling actor remains under it.
func (s *SQLStore) DeleteActor(ctx context.Context, id string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "begin delete actor tx", err)
	}
	defer tx.Rollback()

	var listenerID string
	if err := tx.QueryRowContext(ctx, `SELECT listener_id FROM actors WHERE actor_id = `+s.ph(1), id).Scan(&listenerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, relayerr.Wrap(relayerr.KindStorage, "lookup actor listener", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM actors WHERE actor_id = `+s.ph(1), id); err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "delete actor", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors WHERE listener_id = `+s.ph(1), listenerID).Scan(&remaining); err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "count sibling actors", err)
	}

	cascaded := false
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM listeners WHERE id = `+s.ph(1), listenerID); err != nil {
			return "", false, relayerr.Wrap(relayerr.KindStorage, "cascade delete listener", err)
		}
		cascaded = true
	}

	if err := tx.Commit(); err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "commit delete actor tx", err)
	}
	return listenerID, cascaded, nil
}

// FindActorByID joins through listeners to resolve the actor's effective
// inbox — the listener's shared inbox, not a column on the actor row — and
// only returns a row fresher than actorFreshness. This is the corrected
// intent of the original `lookup` query (see DESIGN.md's Open Question
// resolution): fetch the inbox via the listener join, not a swapped column.
func (s *SQLStore) FindActorByID(ctx context.Context, id string) (*store.Actor, bool, error) {
	q := `SELECT actors.actor_id, actors.public_key_id, actors.public_key,
			listeners.inbox, actors.listener_id, actors.updated_at
		FROM actors
		INNER JOIN listeners ON listeners.id = actors.listener_id
		WHERE actors.actor_id = ` + s.ph(1)

	var a store.Actor
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&a.ID, &a.PublicKeyID, &a.PublicKey, &a.Inbox, &a.ListenerID, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, relayerr.Wrap(relayerr.KindStorage, "find actor by id", err)
	}
	if time.Since(a.UpdatedAt) >= actorFreshness {
		return nil, false, nil
	}
	return &a, true, nil
}

func (s *SQLStore) AllActorIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id FROM actors`)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "all actor ids", err)
	}
	return scanStrings(rows)
}

func (s *SQLStore) ConnectedIDs(ctx context.Context) ([]string, error) {
	return s.AllActorIDs(ctx)
}

func (s *SQLStore) UpsertListener(ctx context.Context, inbox string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM listeners WHERE inbox = `+s.ph(1), inbox).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", relayerr.Wrap(relayerr.KindStorage, "lookup listener", err)
	}

	id := uuid.NewString()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO listeners (id, inbox) VALUES (?, ?)`
	} else {
		q = `INSERT INTO listeners (id, inbox) VALUES ($1, $2)`
	}
	if _, err := s.db.ExecContext(ctx, q, id, inbox); err != nil {
		return "", relayerr.Wrap(relayerr.KindStorage, "insert listener", err)
	}
	return id, nil
}

func (s *SQLStore) DeleteListener(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM listeners WHERE id = `+s.ph(1), id); err != nil {
		return relayerr.Wrap(relayerr.KindStorage, "delete listener", err)
	}
	return nil
}

func (s *SQLStore) ActorIDsForListener(ctx context.Context, listenerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id FROM actors WHERE listener_id = `+s.ph(1), listenerID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindStorage, "actor ids for listener", err)
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, relayerr.Wrap(relayerr.KindStorage, "scan string row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
