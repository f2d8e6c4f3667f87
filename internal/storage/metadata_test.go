package storage

import (
	"path/filepath"
	"testing"
)

func TestMetadataEqual(t *testing.T) {
	t.Parallel()
	a := FileMetadata{Filename: "a.txt", Version: 1, TransferID: "t1", Timestamp: 10}
	same := FileMetadata{Filename: "a.txt", Version: 1, TransferID: "t1", Timestamp: 99}
	if !a.Equal(same) {
		t.Fatal("expected records describing the same write to be equal regardless of timestamp")
	}
	if a.Equal(FileMetadata{Filename: "a.txt", Version: 1, TransferID: "t2"}) {
		t.Fatal("expected differing transfer ids to compare unequal")
	}
}

func TestMetadataTablePersistAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meta.json")

	tbl, err := NewMetadataTable(path)
	if err != nil {
		t.Fatalf("NewMetadataTable: %v", err)
	}
	if err := tbl.Upsert(FileMetadata{Filename: "a.txt", Version: 1, TransferID: "t1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reloaded, err := NewMetadataTable(path)
	if err != nil {
		t.Fatalf("NewMetadataTable (reload): %v", err)
	}
	m, ok := reloaded.Get("a.txt")
	if !ok || m.Version != 1 {
		t.Fatalf("reloaded metadata = %+v, ok=%v", m, ok)
	}
}

func TestMetadataTableRemove(t *testing.T) {
	t.Parallel()
	tbl, err := NewMetadataTable(filepath.Join(t.TempDir(), "meta.json"))
	if err != nil {
		t.Fatalf("NewMetadataTable: %v", err)
	}
	if err := tbl.Upsert(FileMetadata{Filename: "a.txt", Version: 1, TransferID: "t1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tbl.Remove("a.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := tbl.Get("a.txt"); ok {
		t.Fatal("expected a.txt to be removed")
	}
}
