package memory

import (
	"context"
	"database/sql"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/tools"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// A single connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_AppendAndFacts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, f := range []string{"Prefers tea over coffee", "Has a dog named Biscuit", "Works night shifts"} {
		if _, err := s.Append(ctx, f, "conversation"); err != nil {
			t.Fatalf("append %q: %v", f, err)
		}
	}

	got, err := s.Facts(ctx)
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	want := []string{"Prefers tea over coffee", "Has a dog named Biscuit", "Works night shifts"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Facts() = %v, want %v", got, want)
	}
}

func TestStore_AppendDeduplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, "Likes  jazz", "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.Append(ctx, "likes jazz", "")
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate got new id %v, want %v", second.ID, first.ID)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestStore_AppendEmpty(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Append(context.Background(), "   ", ""); err == nil {
		t.Error("expected error for empty fact")
	}
}

func TestStore_Search(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, f := range []string{"Has a dog named Biscuit", "Allergic to cats", "Dog walker comes at 3pm", "Uses 100% cotton sheets"} {
		if _, err := s.Append(ctx, f, ""); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"single term", "dog", []string{"Has a dog named Biscuit", "Dog walker comes at 3pm"}},
		{"all terms must match", "dog biscuit", []string{"Has a dog named Biscuit"}},
		{"like wildcard escaped", "100%", []string{"Uses 100% cotton sheets"}},
		{"no match", "parrot", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := s.Search(ctx, tt.query, 0)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			var got []string
			for _, f := range found {
				got = append(got, f.Text)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Search(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestStore_ListLimitKeepsMostRecent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, f := range []string{"one", "two", "three"} {
		if _, err := s.Append(ctx, f, ""); err != nil {
			t.Fatal(err)
		}
	}

	found, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(found) != 2 || found[0].Text != "two" || found[1].Text != "three" {
		t.Errorf("List(2) = %+v, want [two three]", found)
	}
}

func TestRecallTool(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, "Birthday is in March", ""); err != nil {
		t.Fatal(err)
	}

	tool, err := RecallTool(s)
	if err != nil {
		t.Fatalf("RecallTool: %v", err)
	}
	reg, err := tools.NewRegistry(nil, nil, tool)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	env := reg.Execute(ctx, "recall_facts", map[string]any{"query": "birthday"}, tools.ExecContext{})
	if !env.OK() {
		t.Fatalf("execute: %s", env.Error)
	}
	res := env.Result.(RecallResult)
	if res.Count != 1 || res.Facts[0] != "Birthday is in March" {
		t.Errorf("result = %+v", res)
	}
}

func TestStore_Remember(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Remember(ctx, "Allergic to peanuts"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := s.Remember(ctx, "  "); err == nil {
		t.Error("expected error for blank fact")
	}

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Source != SourceConversation {
		t.Errorf("List() = %+v, want one conversation fact", list)
	}
}
