package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Argv = []string{"/bin/true"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig with Argv set should validate, got: %v", err)
	}
}

func TestValidateRejectsEmptyArgv(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty Argv")
	}
}

func TestValidateRejectsMissingDirectory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Argv = []string{"/bin/true"}
	cfg.Directory = filepath.Join(t.TempDir(), "does-not-exist")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestValidateRejectsFileAsDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Argv = []string{"/bin/true"}
	cfg.Directory = file
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when Directory is a regular file")
	}
}

func TestValidateRejectsBadUmask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Argv = []string{"/bin/true"}
	cfg.Umask = 0o1000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range umask")
	}
}

func TestValidateRejectsEmptyExitCodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Argv = []string{"/bin/true"}
	cfg.ExitCodes = map[int]struct{}{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty ExitCodes")
	}
}
