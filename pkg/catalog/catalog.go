// Package catalog implements the table catalog (C2): the mapping from
// table name to table id, partition mode, and lifecycle, guarded by a
// single mutex the way the teacher's TableMetaData guards its table map.
package catalog

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/bobboyms/kvt/pkg/kverrors"
)

// Partition is the declarative partition tag a table carries. The engine
// treats both variants identically (both back onto an ordered map); the
// tag exists for callers above KVT, not for the engine itself.
type Partition string

const (
	PartitionHash  Partition = "hash"
	PartitionRange Partition = "range"
)

func (p Partition) valid() bool {
	return p == PartitionHash || p == PartitionRange
}

// Table is one catalog entry. ID is assigned once and never reused for the
// lifetime of the process, even across a drop/recreate of the same name.
type Table struct {
	ID        uint64
	Name      string
	Partition Partition
}

// Catalog owns table id allocation and the name/id maps. A single mutex is
// held briefly per operation, mirroring the spec's §5 resource model
// ("the catalog ... is guarded by a single global mutex acquired briefly
// for each catalog operation").
type Catalog struct {
	mu         sync.Mutex
	byName     map[string]*Table
	byID       map[uint64]*Table
	nextTableID uint64
}

// New creates an empty catalog with table ids starting at 1.
func New() *Catalog {
	return &Catalog{
		byName:      make(map[string]*Table),
		byID:        make(map[uint64]*Table),
		nextTableID: 1,
	}
}

// CreateTable allocates a new table id for name/partition. Fails with
// TableAlreadyExistsError if name is currently in use, or
// InvalidPartitionError if partition isn't "hash"/"range".
func (c *Catalog) CreateTable(name string, partition Partition) (uint64, error) {
	if !partition.valid() {
		return 0, &kverrors.InvalidPartitionError{Partition: string(partition)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return 0, &kverrors.TableAlreadyExistsError{Name: name}
	}

	id := c.nextTableID
	c.nextTableID++

	t := &Table{ID: id, Name: name, Partition: partition}
	c.byName[name] = t
	c.byID[id] = t
	return id, nil
}

// CreateTableWithID recreates a catalog entry at a caller-specified id.
// Used exclusively by log replay (§4.9), which must preserve the exact
// table id assignments recorded in the WAL rather than re-allocating.
func (c *Catalog) CreateTableWithID(name string, partition Partition, id uint64) error {
	if !partition.valid() {
		return &kverrors.InvalidPartitionError{Partition: string(partition)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return &kverrors.TableAlreadyExistsError{Name: name}
	}

	t := &Table{ID: id, Name: name, Partition: partition}
	c.byName[name] = t
	c.byID[id] = t
	if id >= c.nextTableID {
		c.nextTableID = id + 1
	}
	return nil
}

// DropTable removes the table. Idempotent only in the sense that the
// failure mode is a well-defined TableNotFoundError, not a crash.
func (c *Catalog) DropTable(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byID[id]
	if !ok {
		return &kverrors.TableIDNotFoundError{ID: id}
	}
	delete(c.byID, id)
	delete(c.byName, t.Name)
	return nil
}

// GetTableName resolves a table id to its current name.
func (c *Catalog) GetTableName(id uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byID[id]
	if !ok {
		return "", &kverrors.TableIDNotFoundError{ID: id}
	}
	return t.Name, nil
}

// GetTableID resolves a table name to its id.
func (c *Catalog) GetTableID(name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byName[name]
	if !ok {
		return 0, &kverrors.TableNotFoundError{Name: name}
	}
	return t.ID, nil
}

// Lookup resolves a table name to its full catalog entry.
func (c *Catalog) Lookup(name string) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byName[name]
	if !ok {
		return nil, &kverrors.TableNotFoundError{Name: name}
	}
	cp := *t
	return &cp, nil
}

// LookupByID resolves a table id to its full catalog entry.
func (c *Catalog) LookupByID(id uint64) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.byID[id]
	if !ok {
		return nil, &kverrors.TableIDNotFoundError{ID: id}
	}
	cp := *t
	return &cp, nil
}

// ListTables returns every (name, id) pair currently in the catalog. The
// order is unspecified, matching the spec's signature.
func (c *Catalog) ListTables() []Table {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Table, 0, len(c.byID))
	for _, t := range c.byID {
		out = append(out, *t)
	}
	return out
}

// NextTableID returns the id that would be assigned to the next CreateTable
// call, used by checkpoint serialization to persist the allocator state.
func (c *Catalog) NextTableID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextTableID
}

// SetNextTableID restores the allocator state from a checkpoint. Only
// valid before the catalog is otherwise mutated (i.e. during recovery).
func (c *Catalog) SetNextTableID(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTableID = id
}

// RestoreTable reinserts a table entry verbatim (id, name, partition) from
// a checkpoint snapshot, bypassing id allocation entirely.
func (c *Catalog) RestoreTable(t Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[t.Name]; exists {
		return errors.Newf("catalog: duplicate table name %q in checkpoint", t.Name)
	}
	cp := t
	c.byName[t.Name] = &cp
	c.byID[t.ID] = &cp
	if t.ID >= c.nextTableID {
		c.nextTableID = t.ID + 1
	}
	return nil
}
