package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/klppl/relaybridge/internal/relayerr"
)

func (s *SQLStore) MediaPutURL(ctx context.Context, url string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT uuid FROM media WHERE url = `+s.ph(1), url).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", relayerr.Wrap(relayerr.KindStorage, "lookup media by url", err)
	}

	id := uuid.NewString()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO media (uuid, url) VALUES (?, ?)`
	} else {
		q = `INSERT INTO media (uuid, url) VALUES ($1, $2)`
	}
	if _, err := s.db.ExecContext(ctx, q, id, url); err != nil {
		return "", relayerr.Wrap(relayerr.KindStorage, "insert media", err)
	}
	return id, nil
}

func (s *SQLStore) MediaGetURL(ctx context.Context, id string) (string, bool, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM media WHERE uuid = `+s.ph(1), id).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "get media url", err)
	}
	return url, true, nil
}

func (s *SQLStore) MediaGetUUID(ctx context.Context, url string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT uuid FROM media WHERE url = `+s.ph(1), url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, relayerr.Wrap(relayerr.KindStorage, "get media uuid", err)
	}
	return id, true, nil
}
