package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateUser(ctx, "alice", "alice@example.com", "hashed-pw", "KEY-1")
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Error("expected a generated id")
	}
	if !created.IsActive {
		t.Error("new users must be active")
	}

	got, err := st.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != created.ID {
		t.Fatalf("got %+v", got)
	}
	if got.HashedPassword != "hashed-pw" || got.APIKey != "KEY-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if got, _ := st.GetUserByID(ctx, created.ID); got == nil {
		t.Error("lookup by id failed")
	}
	if got, _ := st.GetUserByEmail(ctx, "alice@example.com"); got == nil {
		t.Error("lookup by email failed")
	}
	if got, _ := st.GetUserByAPIKey(ctx, "KEY-1"); got == nil {
		t.Error("lookup by api key failed")
	}
}

func TestGetUserCaseInsensitive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateUser(ctx, "Alice", "Alice@Example.com", "pw", ""); err != nil {
		t.Fatal(err)
	}

	if got, _ := st.GetUserByUsername(ctx, "alice"); got == nil {
		t.Error("username lookup should ignore case")
	}
	if got, _ := st.GetUserByEmail(ctx, "ALICE@EXAMPLE.COM"); got == nil {
		t.Error("email lookup should ignore case")
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if _, err := st.CreateUser(ctx, "bob", "bob@example.com", "pw", ""); err != nil {
		t.Fatal(err)
	}

	_, err := st.CreateUser(ctx, "BOB", "other@example.com", "pw", "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate username: err = %v, want ErrConflict", err)
	}
	_, err = st.CreateUser(ctx, "bob2", "BOB@example.com", "pw", "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate email: err = %v, want ErrConflict", err)
	}
}

func TestGetUserAbsent(t *testing.T) {
	st := newTestStore(t)
	got, err := st.GetUserByUsername(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestEnsureDefaultUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	user, err := st.EnsureDefaultUser(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.ID != "root" || !user.IsActive {
		t.Fatalf("user = %+v", user)
	}

	again, err := st.EnsureDefaultUser(ctx, "root")
	if err != nil {
		t.Fatalf("second ensure must be idempotent: %v", err)
	}
	if again == nil || again.ID != "root" {
		t.Fatalf("again = %+v", again)
	}

	// The sandboxes foreign key must accept the seeded row.
	if _, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: "root", ContainerID: "c1"}); err != nil {
		t.Fatalf("sandbox record for the default user rejected: %v", err)
	}
}

func TestUpdateAPIKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user, err := st.CreateUser(ctx, "carol", "carol@example.com", "pw", "OLD-KEY")
	if err != nil {
		t.Fatal(err)
	}

	updated, err := st.UpdateAPIKey(ctx, user.ID, "NEW-KEY")
	if err != nil {
		t.Fatal(err)
	}
	if updated.APIKey != "NEW-KEY" {
		t.Errorf("api key = %q", updated.APIKey)
	}
	if got, _ := st.GetUserByAPIKey(ctx, "OLD-KEY"); got != nil {
		t.Error("old key must stop resolving")
	}

	if got, err := st.UpdateAPIKey(ctx, "no-such-user", "K"); err != nil || got != nil {
		t.Errorf("absent user: got %+v, err %v", got, err)
	}
}
