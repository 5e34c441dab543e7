package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")
	_, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("first LoadOrCreate: created=%v err=%v", created, err)
	}
	first, err := PeerID(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := PeerID(path)
	if err != nil || second != first {
		t.Errorf("PeerID changed across loads: %s then %s (%v)", first, second, err)
	}
}

func TestLoadOrCreateReplacesCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v, want a fresh key", created, err)
	}
	if _, created, _ := LoadOrCreate(path); created {
		t.Error("replacement key was not saved")
	}
}
