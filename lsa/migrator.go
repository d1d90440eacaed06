package lsa

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// MigratorID identifies a registered Migrator in object headers. Ids are
// small and reused after unregistration so a live-object header always
// encodes in a single byte.
type MigratorID uint32

// Migrator relocates objects of one kind during compaction. Size must be
// derivable from the object bytes alone; Migrate copies the object to dst
// and repairs every reference the owner holds to it. After Migrate returns
// the source bytes are dead.
type Migrator interface {
	Align() uintptr
	Size(obj unsafe.Pointer) uintptr
	Migrate(src, dst unsafe.Pointer, size uintptr)
}

// The registry is shared by all trackers, like the descriptor encoding it
// feeds. Reads happen on every decode so the table is copy-on-write.
var (
	migratorsMu sync.Mutex
	migrators   atomic.Pointer[[]Migrator]
)

func init() {
	table := make([]Migrator, 0, MaxMigrators)
	migrators.Store(&table)
}

// RegisterMigrator assigns m the lowest unused id. It panics when all
// MaxMigrators ids are taken.
func RegisterMigrator(m Migrator) MigratorID {
	if m == nil {
		panic("lsa: nil migrator")
	}
	migratorsMu.Lock()
	defer migratorsMu.Unlock()
	old := *migrators.Load()
	table := make([]Migrator, len(old), cap(old))
	copy(table, old)
	for i, slot := range table {
		if slot == nil {
			table[i] = m
			migrators.Store(&table)
			return MigratorID(i)
		}
	}
	if len(table) >= MaxMigrators {
		panic(fmt.Sprintf("lsa: migrator table full (%d entries)", MaxMigrators))
	}
	table = append(table, m)
	migrators.Store(&table)
	return MigratorID(len(table) - 1)
}

// UnregisterMigrator frees id for reuse. No object allocated with id may be
// live when it is called.
func UnregisterMigrator(id MigratorID) {
	migratorsMu.Lock()
	defer migratorsMu.Unlock()
	old := *migrators.Load()
	if int(id) >= len(old) || old[id] == nil {
		panic(fmt.Sprintf("lsa: unregistering unknown migrator %d", id))
	}
	table := make([]Migrator, len(old), cap(old))
	copy(table, old)
	table[id] = nil
	migrators.Store(&table)
}

func migratorByID(id MigratorID) Migrator {
	table := *migrators.Load()
	if int(id) >= len(table) || table[id] == nil {
		panic(fmt.Sprintf("lsa: object header references unregistered migrator %d", id))
	}
	return table[id]
}
