package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadPropertiesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "props.yaml")

	p, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties() error = %v", err)
	}
	if _, ok := p.Get("beamscan"); ok {
		t.Error("empty store returned a value")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("LoadProperties() should not create the file")
	}
}

func TestLoadPropertiesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "props.yaml")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to write props: %v", err)
	}

	p, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties() error = %v", err)
	}
	p.Put("k", "v") // must not panic on a nil map
}

func TestLoadPropertiesInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "props.yaml")
	if err := os.WriteFile(path, []byte("- not\n- a map\n"), 0644); err != nil {
		t.Fatalf("failed to write props: %v", err)
	}

	if _, err := LoadProperties(path); err == nil {
		t.Error("LoadProperties() should fail for a non-map document")
	}
}

func TestPropertiesPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "props.yaml")

	p, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties() error = %v", err)
	}
	p.Put("beamscan", "/dev/ttyACM0")
	p.Put("gainLevel", "40")
	p.Put("invert", "true")
	p.Put("stale", "x")
	p.Delete("stale")

	if err := p.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	again, err := LoadProperties(path)
	if err != nil {
		t.Fatalf("LoadProperties() after persist error = %v", err)
	}
	if v, _ := again.Get("beamscan"); v != "/dev/ttyACM0" {
		t.Errorf("Get(beamscan) = %q, want %q", v, "/dev/ttyACM0")
	}
	if _, ok := again.Get("stale"); ok {
		t.Error("deleted key was persisted")
	}
	if got := again.GetInt("gainLevel", -1); got != 40 {
		t.Errorf("GetInt(gainLevel) = %d, want 40", got)
	}
	if !again.GetBool("invert", false) {
		t.Error("GetBool(invert) = false, want true")
	}

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries after Persist, want 1", len(entries))
	}
}

func TestPropertiesTypedDefaults(t *testing.T) {
	p, err := LoadProperties(filepath.Join(t.TempDir(), "props.yaml"))
	if err != nil {
		t.Fatalf("LoadProperties() error = %v", err)
	}
	p.Put("gainLevel", "loud")
	p.Put("invert", "maybe")

	if got := p.GetInt("gainLevel", 7); got != 7 {
		t.Errorf("GetInt(bad) = %d, want default 7", got)
	}
	if got := p.GetInt("missing", 3); got != 3 {
		t.Errorf("GetInt(missing) = %d, want default 3", got)
	}
	if got := p.GetBool("invert", true); !got {
		t.Error("GetBool(bad) should return the default")
	}
	if got := p.GetBool("missing", false); got {
		t.Error("GetBool(missing) should return the default")
	}
}

func TestPropertiesConcurrentUse(t *testing.T) {
	p, err := LoadProperties(filepath.Join(t.TempDir(), "props.yaml"))
	if err != nil {
		t.Fatalf("LoadProperties() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Put("k", "v")
				p.Get("k")
				p.Delete("k")
			}
			if err := p.Persist(); err != nil {
				t.Errorf("Persist() error = %v", err)
			}
		}()
	}
	wg.Wait()
}
