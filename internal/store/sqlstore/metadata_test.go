package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestIsAllowedAndIsBlocked(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM allowed_authorities`).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	ok, err := s.IsAllowed(context.Background(), "good.example")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if !ok {
		t.Error("expected IsAllowed to report true for a present row")
	}
}

func TestAllowIsIdempotentUnderSqlite(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT OR IGNORE INTO allowed_authorities`).WithArgs("good.example").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Allow(context.Background(), "good.example"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
}

func TestLookupActivityExpired(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT activity_id, expires_at FROM activity_cache`).
		WillReturnRows(sqlmock.NewRows([]string{"activity_id", "expires_at"}).
			AddRow("https://relay.example/activities/1", time.Now().Add(-time.Hour)))

	_, hit, err := s.LookupActivity(context.Background(), "https://remote.example/statuses/1")
	if err != nil {
		t.Fatalf("LookupActivity: %v", err)
	}
	if hit {
		t.Error("an expired activity_cache row should report a miss")
	}
}

func TestLookupActivityFreshHit(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT activity_id, expires_at FROM activity_cache`).
		WillReturnRows(sqlmock.NewRows([]string{"activity_id", "expires_at"}).
			AddRow("https://relay.example/activities/1", time.Now().Add(time.Hour)))

	activityID, hit, err := s.LookupActivity(context.Background(), "https://remote.example/statuses/1")
	if err != nil {
		t.Fatalf("LookupActivity: %v", err)
	}
	if !hit {
		t.Fatal("a fresh activity_cache row should report a hit")
	}
	if activityID != "https://relay.example/activities/1" {
		t.Errorf("activityID = %q, want the cached announce id", activityID)
	}
}

func TestGetNodeInfoMissReturnsNilNotError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT version, software, updated FROM node_infos`).WillReturnRows(sqlmock.NewRows([]string{"version", "software", "updated"}))

	ni, err := s.GetNodeInfo(context.Background(), "https://remote.example/users/alice")
	if err != nil {
		t.Fatalf("GetNodeInfo: %v", err)
	}
	if ni != nil {
		t.Error("a missing row should return a nil *NodeInfo, not an error")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO kv`).WithArgs("relay_private_key", "PEM-DATA").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SavePrivateKeyPEM(context.Background(), "PEM-DATA"); err != nil {
		t.Fatalf("SavePrivateKeyPEM: %v", err)
	}

	mock.ExpectQuery(`SELECT value FROM kv`).WithArgs("relay_private_key").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("PEM-DATA"))
	pem, ok, err := s.PrivateKeyPEM(context.Background())
	if err != nil {
		t.Fatalf("PrivateKeyPEM: %v", err)
	}
	if !ok || pem != "PEM-DATA" {
		t.Errorf("PrivateKeyPEM = (%q, %v), want (PEM-DATA, true)", pem, ok)
	}
}
