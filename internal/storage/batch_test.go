package storage

import (
	"path/filepath"
	"testing"
)

func TestBatch_CommitMakesAllVisible(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("cards/a_card.txt", []byte("old a"))

	b := s.Begin()
	if err := b.Stage("cards/a_card.txt", []byte("new a")); err != nil {
		t.Fatalf("Stage a: %v", err)
	}
	if err := b.Stage("cards/b_card.txt", []byte("new b")); err != nil {
		t.Fatalf("Stage b: %v", err)
	}

	// Nothing is visible before commit.
	got, _ := s.Read("cards/a_card.txt")
	if string(got) != "old a" {
		t.Errorf("staged content leaked before commit: %q", got)
	}
	if s.Exists("cards/b_card.txt") {
		t.Error("new file visible before commit")
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, _ = s.Read("cards/a_card.txt")
	if string(got) != "new a" {
		t.Errorf("a = %q", got)
	}
	got, _ = s.Read("cards/b_card.txt")
	if string(got) != "new b" {
		t.Errorf("b = %q", got)
	}
}

func TestBatch_RollbackDiscardsTemps(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("cards/a_card.txt", []byte("keep"))

	b := s.Begin()
	_ = b.Stage("cards/a_card.txt", []byte("discard"))
	b.Rollback()

	got, _ := s.Read("cards/a_card.txt")
	if string(got) != "keep" {
		t.Errorf("rollback changed file: %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, "cards", TempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
	if err := b.Commit(); err == nil {
		t.Error("commit after rollback should fail")
	}
}

func TestBatch_RestageKeepsLatest(t *testing.T) {
	s := tempRoot(t)
	b := s.Begin()
	_ = b.Stage("x.txt", []byte("one"))
	_ = b.Stage("x.txt", []byte("two"))
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, _ := s.Read("x.txt")
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, TempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}
