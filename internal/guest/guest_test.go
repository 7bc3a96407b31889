package guest

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/textcal/textcal/internal/storage"
)

func TestLimitReachedAfterThreeSessions(t *testing.T) {
	m := NewManager(storage.NewMemoryAdapter())
	for i, id := range []string{"sess_1", "sess_2", "sess_3"} {
		if m.ReachedLimit() {
			t.Fatalf("limit reported before session %d", i+1)
		}
		if err := m.AddSession(id, "tok_"+id); err != nil {
			t.Fatalf("add session %s failed: %v", id, err)
		}
	}
	if !m.ReachedLimit() {
		t.Fatalf("expected limit after three sessions")
	}
	if err := m.AddSession("sess_4", "tok_4"); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached for fourth session, got %v", err)
	}
}

func TestAccessTokenLookup(t *testing.T) {
	m := NewManager(storage.NewMemoryAdapter())
	if err := m.AddSession("sess_1", "tok_1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if got := m.AccessToken("sess_1"); got != "tok_1" {
		t.Fatalf("expected tok_1, got %q", got)
	}
	if got := m.AccessToken("sess_unknown"); got != "" {
		t.Fatalf("expected empty token for unknown session, got %q", got)
	}
}

func TestReadsNotGatedByLimit(t *testing.T) {
	m := NewManager(storage.NewMemoryAdapter())
	for _, id := range []string{"sess_1", "sess_2", "sess_3"} {
		if err := m.AddSession(id, "tok_"+id); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if got := m.AccessToken("sess_2"); got != "tok_sess_2" {
		t.Fatalf("expected token readable at limit, got %q", got)
	}
	if ids := m.SessionIDs(); len(ids) != 3 {
		t.Fatalf("expected 3 session ids at limit, got %v", ids)
	}
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	m := NewManager(storage.NewMemoryAdapter())
	if err := m.AddSession("sess_1", "tok_1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := m.AddSession("sess_1", "tok_other"); err != nil {
		t.Fatalf("duplicate add failed: %v", err)
	}
	ids := m.SessionIDs()
	if len(ids) != 1 || ids[0] != "sess_1" {
		t.Fatalf("expected one session after duplicate add, got %v", ids)
	}
	if got := m.AccessToken("sess_1"); got != "tok_1" {
		t.Fatalf("expected original token kept, got %q", got)
	}
}

func TestClearResetsLimit(t *testing.T) {
	m := NewManager(storage.NewMemoryAdapter())
	for _, id := range []string{"sess_1", "sess_2", "sess_3"} {
		if err := m.AddSession(id, "tok_"+id); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if m.ReachedLimit() {
		t.Fatalf("expected limit reset after clear")
	}
	if ids := m.SessionIDs(); len(ids) != 0 {
		t.Fatalf("expected no sessions after clear, got %v", ids)
	}
	if err := m.AddSession("sess_5", "tok_5"); err != nil {
		t.Fatalf("expected adds allowed after clear, got %v", err)
	}
}

func TestSessionsSurviveManagerRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	adapter, err := storage.NewFileAdapter(path)
	if err != nil {
		t.Fatalf("file adapter failed: %v", err)
	}
	m := NewManager(adapter)
	if err := m.AddSession("sess_1", "tok_1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	reopened, err := storage.NewFileAdapter(path)
	if err != nil {
		t.Fatalf("reopen adapter failed: %v", err)
	}
	restarted := NewManager(reopened)
	if got := restarted.AccessToken("sess_1"); got != "tok_1" {
		t.Fatalf("expected token to survive restart, got %q", got)
	}
}

func TestAddRejectsBlankIdentity(t *testing.T) {
	m := NewManager(storage.NewMemoryAdapter())
	if err := m.AddSession("", "tok"); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if err := m.AddSession("sess_1", "  "); err == nil {
		t.Fatalf("expected error for blank token")
	}
}
