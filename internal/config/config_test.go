package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "turnsock.toml")

	want := &Config{
		ServerURL:  "https://signal.example.com/offer",
		PeerID:     "laptop",
		TURNSecret: "shared-secret",
		LogLevel:   "debug",
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "incomplete.toml")
	if err := Save(path, &Config{ServerURL: "https://example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject a config missing peer_id/turn_secret")
	}
}
