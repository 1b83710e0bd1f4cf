package store

import (
	"context"
	"testing"
)

func sandboxTestUser(t *testing.T, st *Store, username string) *User {
	t.Helper()
	user, err := st.CreateUser(context.Background(), username, username+"@example.com", "pw", "")
	if err != nil {
		t.Fatal(err)
	}
	return user
}

func TestCreateSandboxAutoName(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := sandboxTestUser(t, st, "alice")

	first, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: user.ID, ContainerID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != "Sandbox 1" {
		t.Errorf("name = %q, want 'Sandbox 1'", first.Name)
	}

	second, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: user.ID, ContainerID: "c2"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Name != "Sandbox 2" {
		t.Errorf("name = %q, want 'Sandbox 2'", second.Name)
	}

	named, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: user.ID, Name: "scratch", ContainerID: "c3"})
	if err != nil {
		t.Fatal(err)
	}
	if named.Name != "scratch" {
		t.Errorf("name = %q, want the explicit name", named.Name)
	}
}

func TestCreateSandboxPreGeneratedID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := sandboxTestUser(t, st, "bob")

	sb, err := st.CreateSandbox(ctx, CreateSandboxParams{ID: "fixed-id", UserID: user.ID, ContainerID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if sb.ID != "fixed-id" {
		t.Errorf("id = %q, want the pre-generated id", sb.ID)
	}
	got, err := st.GetSandbox(ctx, "fixed-id")
	if err != nil || got == nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.ContainerID != "c1" {
		t.Errorf("container id = %q", got.ContainerID)
	}
}

func TestListAndCountSandboxes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	alice := sandboxTestUser(t, st, "alice")
	bob := sandboxTestUser(t, st, "bob")

	for i := 0; i < 3; i++ {
		if _, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: alice.ID, ContainerID: "c"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: bob.ID, ContainerID: "c"}); err != nil {
		t.Fatal(err)
	}

	list, err := st.ListSandboxesByUser(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Errorf("list size = %d, want 3", len(list))
	}
	if n, _ := st.CountSandboxesByUser(ctx, alice.ID); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if n, _ := st.CountSandboxesByUser(ctx, bob.ID); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestDeleteSandboxRecord(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	user := sandboxTestUser(t, st, "carol")
	sb, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: user.ID, ContainerID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := st.DeleteSandbox(ctx, sb.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if got, _ := st.GetSandbox(ctx, sb.ID); got != nil {
		t.Error("record still present after delete")
	}
	ok, err = st.DeleteSandbox(ctx, sb.ID)
	if err != nil || ok {
		t.Errorf("second delete: ok=%v err=%v, want false", ok, err)
	}
}

func TestIsOwner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	alice := sandboxTestUser(t, st, "alice")
	bob := sandboxTestUser(t, st, "bob")
	sb, err := st.CreateSandbox(ctx, CreateSandboxParams{UserID: alice.ID, ContainerID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		userID    string
		sandboxID string
		want      bool
	}{
		{"owner", alice.ID, sb.ID, true},
		{"other user", bob.ID, sb.ID, false},
		{"absent sandbox", alice.ID, "ghost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.IsOwner(ctx, tt.userID, tt.sandboxID)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsOwner = %v, want %v", got, tt.want)
			}
		})
	}
}
