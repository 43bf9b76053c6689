package main

import (
	"strings"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("FIELDSYNC_TEST_INT", "42")
	if got := intEnv("FIELDSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("FIELDSYNC_TEST_INT_BAD", "not-a-number")
	if got := intEnv("FIELDSYNC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("FIELDSYNC_TEST_DURATION", "150ms")
	if got := durationEnv("FIELDSYNC_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("FIELDSYNC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("FIELDSYNC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("FIELDSYNC_TEST_BOOL", "yes")
	if !boolEnv("FIELDSYNC_TEST_BOOL", false) {
		t.Fatal("expected true for yes")
	}
	t.Setenv("FIELDSYNC_TEST_BOOL", "0")
	if boolEnv("FIELDSYNC_TEST_BOOL", true) {
		t.Fatal("expected false for 0")
	}
	if !boolEnv("FIELDSYNC_TEST_BOOL_UNSET", true) {
		t.Fatal("expected fallback for unset")
	}
}

func TestStorageProfileDefaults(t *testing.T) {
	t.Setenv("FIELDSYNC_BACKEND_PROFILE", "memory")
	dsn, err := storageProfileDSNFromEnv()
	if err != nil || dsn != "memory://" {
		t.Fatalf("memory profile: dsn=%q err=%v", dsn, err)
	}

	t.Setenv("FIELDSYNC_BACKEND_PROFILE", "durable-local")
	t.Setenv("FIELDSYNC_DATA_DIR", "/var/lib/fieldsync")
	dsn, err = storageProfileDSNFromEnv()
	if err != nil || !strings.HasPrefix(dsn, "file://") || !strings.Contains(dsn, "/var/lib/fieldsync") {
		t.Fatalf("durable-local profile: dsn=%q err=%v", dsn, err)
	}

	t.Setenv("FIELDSYNC_BACKEND_PROFILE", "production")
	t.Setenv("FIELDSYNC_PRODUCTION_DSN", "")
	t.Setenv("FIELDSYNC_POSTGRES_DSN", "")
	if _, err := storageProfileDSNFromEnv(); err == nil {
		t.Fatal("production profile without a DSN should error")
	}
	t.Setenv("FIELDSYNC_POSTGRES_DSN", "postgres://queue@db/fieldsync")
	dsn, err = storageProfileDSNFromEnv()
	if err != nil || dsn != "postgres://queue@db/fieldsync" {
		t.Fatalf("production profile: dsn=%q err=%v", dsn, err)
	}

	t.Setenv("FIELDSYNC_BACKEND_PROFILE", "cloud")
	if _, err := storageProfileDSNFromEnv(); err == nil {
		t.Fatal("unknown profile should error")
	}
}
