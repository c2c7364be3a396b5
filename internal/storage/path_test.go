package storage

import (
	"testing"
	"time"
)

func TestBuildDatasetKeyStable(t *testing.T) {
	key, err := BuildDatasetKey("customers", "parquet", time.Time{})
	if err != nil {
		t.Fatalf("BuildDatasetKey() error = %v", err)
	}
	if key != "customers.parquet" {
		t.Fatalf("BuildDatasetKey() = %q", key)
	}
}

func TestBuildDatasetKeyDated(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 4, 5, 6, 0, time.FixedZone("x", -5*3600))
	key, err := BuildDatasetKey("customers", "csv", ts)
	if err != nil {
		t.Fatalf("BuildDatasetKey() error = %v", err)
	}
	want := "customers/date=2026-02-19/customers-090506.csv"
	if key != want {
		t.Fatalf("BuildDatasetKey() = %q, want %q", key, want)
	}
}

func TestBuildDatasetKeyRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildDatasetKey("../oops", "csv", time.Time{}); err == nil {
		t.Fatal("expected invalid component error")
	}
	if _, err := BuildDatasetKey("customers", "", time.Time{}); err == nil {
		t.Fatal("expected invalid extension error")
	}
}
