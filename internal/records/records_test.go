package records

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samezzz/church-attendance-check-in/internal/db"
	"github.com/samezzz/church-attendance-check-in/internal/model"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("CHECKIN_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("CHECKIN_TEST_DB or DATABASE_URL not set")
		return nil
	}
	if err := db.RunMigrations(url); err != nil {
		t.Skipf("migrations unavailable: %v", err)
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	return pool
}

func newTestStore(t *testing.T) *Store {
	pool := openTestDB(t)
	if pool == nil {
		return nil
	}
	t.Cleanup(pool.Close)
	return NewStore(db.NewStore(pool), 5*time.Second, nil)
}

func TestCreateAndFetchUserRecord(t *testing.T) {
	store := newTestStore(t)
	if store == nil {
		return
	}
	ctx := context.Background()
	id := uuid.New().String()

	created, err := store.CreateUserRecord(ctx, id, "ann@example.com", "Ann", "5551234567")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if created.Role != model.RoleMember {
		t.Fatalf("expected MEMBER default, got %s", created.Role)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("expected store-set timestamps")
	}

	// Duplicate id is a uniqueness violation.
	if _, err := store.CreateUserRecord(ctx, id, "ann@example.com", "Ann", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	fetched, err := store.FetchUserData(ctx, id)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if fetched.Name != "Ann" || fetched.PhoneNumber != "5551234567" {
		t.Fatalf("unexpected row: %+v", fetched)
	}
}

func TestFetchUserDataMissing(t *testing.T) {
	store := newTestStore(t)
	if store == nil {
		return
	}
	if _, err := store.FetchUserData(context.Background(), uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchUserRoleDefaultsOnMissingRow(t *testing.T) {
	store := newTestStore(t)
	if store == nil {
		return
	}
	result := store.FetchUserRole(context.Background(), uuid.New().String())
	if result.Role != model.RoleMember || !result.Defaulted {
		t.Fatalf("expected defaulted MEMBER, got %+v", result)
	}
}

func TestFetchUserRoleConfirmed(t *testing.T) {
	store := newTestStore(t)
	if store == nil {
		return
	}
	ctx := context.Background()
	id := uuid.New().String()
	if _, err := store.CreateUserRecord(ctx, id, "ben@example.com", "Ben", ""); err != nil {
		t.Fatalf("create error: %v", err)
	}
	result := store.FetchUserRole(ctx, id)
	if result.Role != model.RoleMember || result.Defaulted {
		t.Fatalf("expected confirmed MEMBER, got %+v", result)
	}
}

func TestCreateAttendanceEnforcesUniqueness(t *testing.T) {
	store := newTestStore(t)
	if store == nil {
		return
	}
	ctx := context.Background()
	userID := uuid.New().String()
	if _, err := store.CreateUserRecord(ctx, userID, "cal@example.com", "Cal", ""); err != nil {
		t.Fatalf("create user error: %v", err)
	}
	eventID := "event-" + uuid.New().String()

	record, err := store.CreateAttendance(ctx, userID, eventID)
	if err != nil {
		t.Fatalf("check-in error: %v", err)
	}
	if record.CheckedIn.IsZero() {
		t.Fatalf("expected checked_in timestamp")
	}

	if _, err := store.CreateAttendance(ctx, userID, eventID); !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Fatalf("expected ErrAlreadyCheckedIn, got %v", err)
	}

	rows, err := store.ListAttendanceByEvent(ctx, eventID, 10)
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one attendance row, got %d", len(rows))
	}
}
