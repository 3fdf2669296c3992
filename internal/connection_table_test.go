package internal

import (
	goerrs "errors"
	"testing"
)

func TestConnectionTableLifecycle(t *testing.T) {
	table := CreateConnectionTable[string](2)

	if err := table.Insert(1, "a:1", "one"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var dup *DuplicateClientIdError
	if err := table.Insert(1, "b:1", "again"); !goerrs.As(err, &dup) {
		t.Fatalf("expected DuplicateClientIdError, got %v", err)
	}

	if err := table.Insert(2, "b:1", "two"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if table.HasCapacity() {
		t.Error("expected table to be full")
	}

	var tooMany *TooManyClientsError
	if err := table.Insert(3, "c:1", "three"); !goerrs.As(err, &tooMany) {
		t.Fatalf("expected TooManyClientsError, got %v", err)
	}

	if conn, ok := table.LookupAddr("b:1"); !ok || conn != "two" {
		t.Errorf("LookupAddr: got %q, %v", conn, ok)
	}

	if _, ok := table.Remove(1, "a:1"); !ok {
		t.Fatal("expected Remove to find client 1")
	}
	var missing *MissingClientIdError
	if _, err := table.Get(1); !goerrs.As(err, &missing) {
		t.Fatalf("expected MissingClientIdError, got %v", err)
	}
	if _, ok := table.LookupAddr("a:1"); ok {
		t.Error("address index not cleared on remove")
	}

	// A removed client id is reusable.
	if err := table.Insert(1, "d:1", "one-again"); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}

	snap := table.Snapshot()
	if len(snap) != 2 || snap[0] != "one-again" || snap[1] != "two" {
		t.Errorf("unexpected snapshot %v", snap)
	}

	if drained := table.Drain(); len(drained) != 2 || table.Len() != 0 {
		t.Errorf("Drain left %d entries", table.Len())
	}
}
