package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")

	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer f.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Errorf("pid file contains %q, want %d", data, os.Getpid())
	}
}

func TestAcquireRefusesWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")

	f, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Release()

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Acquire: want ErrAlreadyRunning, got %v", err)
	}
}

func TestAcquireOverwritesStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")

	// A PID far above pid_max cannot name a live process.
	if err := os.WriteFile(path, []byte("99999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale pid file: %v", err)
	}
	f.Release()
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crabd.pid")

	f, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Release()

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("pid file must be removed on release")
	}

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	g.Release()

	// Double release is a no-op.
	g.Release()
}
