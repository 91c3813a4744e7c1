package problem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltins(t *testing.T) {
	c := NewMemoryCatalog()
	for _, id := range []string{"url-shortener", "chat-app", "rate-limiter"} {
		p, err := c.Get(id)
		if err != nil {
			t.Fatalf("Get(%q): %v", id, err)
		}
		if p.Statement == "" {
			t.Errorf("%s has empty statement", id)
		}
	}
	if _, err := c.Get("no-such-problem"); err == nil {
		t.Error("unknown id should error")
	}
}

func TestLoadFileMergesAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problems.json")
	data := `[
		{"id": "url-shortener", "title": "Custom", "category": "custom", "statement": "override"},
		{"id": "news-feed", "title": "News Feed", "category": "social", "statement": "Design a feed."}
	]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewMemoryCatalog()
	if err := c.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	p, err := c.Get("url-shortener")
	if err != nil {
		t.Fatal(err)
	}
	if p.Statement != "override" {
		t.Errorf("statement = %q, want override", p.Statement)
	}
	if _, err := c.Get("news-feed"); err != nil {
		t.Errorf("merged problem missing: %v", err)
	}
}

func TestLoadFileRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "problems.json")
	if err := os.WriteFile(path, []byte(`[{"title": "nameless"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewMemoryCatalog()
	if err := c.LoadFile(path); err == nil {
		t.Error("entry without id should be rejected")
	}
}
