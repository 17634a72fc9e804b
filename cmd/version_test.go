package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

func TestCollectVersionInfoWithoutProgressFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "progress.json")

	info := collectVersionInfo(path)
	if info.ManifestVersion != manifest.Version {
		t.Fatalf("expected layout version %d, got %d", manifest.Version, info.ManifestVersion)
	}
	if info.StateDir != filepath.Join(home, ".legacy-extractor") {
		t.Fatalf("unexpected state dir %s", info.StateDir)
	}
	if !info.Readable || info.Problem != "" || info.ProgressVersion != 0 {
		t.Fatalf("a missing progress file is not a problem, got %+v", info)
	}

	var buf bytes.Buffer
	renderVersion(&buf, info)
	if !strings.Contains(buf.String(), "not created yet") {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestCollectVersionInfoReadsProgressFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	store := manifest.NewFileStore(filepath.Join(t.TempDir(), "progress.json"))

	m, err := store.Load("postgres://bridge:5432/erp")
	if err != nil {
		t.Fatal(err)
	}
	started := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ended := started.Add(time.Hour)
	m.Sessions = []manifest.Session{
		{ID: "01HZOLD", StartedAt: started.Add(-24 * time.Hour)},
		{ID: "01HZNEW", StartedAt: started, EndedAt: &ended, Outcome: "completed"},
	}
	if err := store.Save(m); err != nil {
		t.Fatal(err)
	}

	info := collectVersionInfo(store.Path())
	if info.ProgressVersion != manifest.Version || info.ProgressSource != "postgres://bridge:5432/erp" {
		t.Fatalf("unexpected progress details %+v", info)
	}
	if info.LastSession != "01HZNEW" || info.LastRunAt == nil || !info.LastRunAt.Equal(ended) {
		t.Fatalf("expected the last session's end, got %s at %v", info.LastSession, info.LastRunAt)
	}

	var buf bytes.Buffer
	renderVersion(&buf, info)
	for _, want := range []string{"progress layout", "postgres://bridge:5432/erp", "01HZNEW"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, buf.String())
		}
	}
}

func TestCollectVersionInfoNewerLayout(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "progress.json")
	if err := os.WriteFile(path, []byte(`{"version": 7, "sourceIdentifier": "x", "entities": []}`), 0o644); err != nil {
		t.Fatal(err)
	}

	info := collectVersionInfo(path)
	if info.Readable {
		t.Fatal("a newer layout should not be readable")
	}
	if !strings.Contains(info.Problem, "newer release") {
		t.Fatalf("unexpected problem %q", info.Problem)
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"readable":false`) {
		t.Fatalf("unexpected JSON %s", data)
	}
}
