package catalog

import (
	"testing"

	"github.com/bobboyms/kvt/pkg/kverrors"
)

func TestCreateTableAllocatesMonotonicIDs(t *testing.T) {
	c := New()
	id1, err := c.CreateTable("users", PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	id2, err := c.CreateTable("orders", PartitionRange)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("expected monotonic ids, got %d then %d", id1, id2)
	}
}

func TestCreateTableDuplicateName(t *testing.T) {
	c := New()
	if _, err := c.CreateTable("users", PartitionHash); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	_, err := c.CreateTable("users", PartitionHash)
	if kverrors.CodeOf(err) != kverrors.CodeTableAlreadyExists {
		t.Errorf("got %v, want TableAlreadyExistsError", err)
	}
}

func TestCreateTableInvalidPartition(t *testing.T) {
	c := New()
	_, err := c.CreateTable("users", Partition("columnar"))
	if kverrors.CodeOf(err) != kverrors.CodeInvalidPartitionMethod {
		t.Errorf("got %v, want InvalidPartitionError", err)
	}
}

func TestDropTableThenIDPersistsAcrossRecreate(t *testing.T) {
	c := New()
	id1, _ := c.CreateTable("users", PartitionHash)
	if err := c.DropTable(id1); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if _, err := c.GetTableName(id1); kverrors.CodeOf(err) != kverrors.CodeTableNotFound {
		t.Errorf("dropped table should be gone, got %v", err)
	}

	id2, err := c.CreateTable("users", PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if id2 == id1 {
		t.Errorf("table id %d was reused after drop; ids must never be reused", id1)
	}
}

func TestLookupAndListTables(t *testing.T) {
	c := New()
	id, _ := c.CreateTable("users", PartitionHash)

	name, err := c.GetTableName(id)
	if err != nil || name != "users" {
		t.Errorf("GetTableName = %q, %v", name, err)
	}
	gotID, err := c.GetTableID("users")
	if err != nil || gotID != id {
		t.Errorf("GetTableID = %d, %v", gotID, err)
	}

	tables := c.ListTables()
	if len(tables) != 1 || tables[0].Name != "users" {
		t.Errorf("ListTables = %+v", tables)
	}
}

func TestCreateTableWithIDPreservesNextAllocator(t *testing.T) {
	c := New()
	if err := c.CreateTableWithID("replayed", PartitionHash, 100); err != nil {
		t.Fatalf("CreateTableWithID: %v", err)
	}
	id, err := c.CreateTable("fresh", PartitionHash)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if id <= 100 {
		t.Errorf("next allocated id %d should be > 100 after replaying id 100", id)
	}
}
