package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/tagstore"
	"github.com/starford/dossier/internal/testutil"
)

// watcherEnv builds an index over an empty data root with the watched
// directories already present.
func watcherEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newEnv(t)
	for _, dir := range []string{"uploads", "cards", "tags/entities"} {
		if err := os.MkdirAll(filepath.Join(env.root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.svc.BuildFull(context.Background()); err != nil {
		t.Fatal(err)
	}
	return env
}

func indexed(env *testEnv, path string) bool {
	snap, ok := env.svc.Current()
	if !ok {
		return false
	}
	_, found := snap.File(path)
	return found
}

func TestWatcher_NewFileIndexed(t *testing.T) {
	env := watcherEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []string

	go Watch(ctx, env.svc, env.fs, env.root, testutil.Logger(), func(kind, path string) {
		mu.Lock()
		events = append(events, kind+":"+path)
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(env.root, "uploads", "new.txt"), []byte("fresh intel"), 0o644)

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return indexed(env, "uploads/new.txt")
	}, "new upload not indexed by watcher")

	testutil.Eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "created:uploads/new.txt" {
				return true
			}
		}
		return false
	}, "expected created:uploads/new.txt callback")
}

func TestWatcher_IgnoresUnwatchedPaths(t *testing.T) {
	env := watcherEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []string
	go Watch(ctx, env.svc, env.fs, env.root, testutil.Logger(), func(kind, path string) {
		mu.Lock()
		events = append(events, kind+":"+path)
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(env.root, "notes.txt"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(env.root, "uploads", "seen.txt"), []byte("y"), 0o644)

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return indexed(env, "uploads/seen.txt")
	}, "watched upload not indexed")

	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		if e == "created:notes.txt" || e == "updated:notes.txt" {
			t.Errorf("unexpected event %s", e)
		}
	}
}

func TestWatcher_NewDirWatched(t *testing.T) {
	env := watcherEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, env.svc, env.fs, env.root, testutil.Logger(), nil)
	time.Sleep(100 * time.Millisecond)

	// tags/labels does not exist yet; the watcher picks it up on creation.
	tag, err := env.tags.Create(tagstore.InsertTag{Type: models.TagLabel, Name: "urgent", References: []string{"x_card.txt"}})
	if err != nil {
		t.Fatal(err)
	}

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		snap, ok := env.svc.Current()
		if !ok {
			return false
		}
		_, found := snap.Tag(tag.ID)
		return found
	}, "tag in new directory not indexed by watcher")
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	env := watcherEnv(t)
	env.upload(t, "del.txt", "delete me")
	if _, err := env.svc.BuildFull(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !indexed(env, "uploads/del.txt") {
		t.Fatal("precondition: file should be indexed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, env.svc, env.fs, env.root, testutil.Logger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Remove(filepath.Join(env.root, "uploads", "del.txt"))

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return !indexed(env, "uploads/del.txt")
	}, "deleted file still in index")

	testutil.Eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		snap, _ := env.svc.Current()
		return len(snap.InconsistenciesOf(KindCardSourceMissing)) == 1
	}, "card with deleted source not reported")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	env := watcherEnv(t)
	_ = os.WriteFile(filepath.Join(env.root, "uploads", "old.txt"), []byte("rename"), 0o644)
	if _, err := env.svc.BuildFull(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, env.svc, env.fs, env.root, testutil.Logger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Rename(filepath.Join(env.root, "uploads", "old.txt"), filepath.Join(env.root, "uploads", "renamed.txt"))

	testutil.Eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return !indexed(env, "uploads/old.txt") && indexed(env, "uploads/renamed.txt")
	}, "rename reconciliation failed: old path should be removed and new path indexed")
}
