package storage

// SchemaVersion is the current slot store schema version
const SchemaVersion = 2

// DatabaseSchema describes the slot store layout and how to reach it
type DatabaseSchema struct {
	Version    int
	Tables     []string
	Indexes    []string
	Migrations map[int][]string
}

// GetCurrentSchema returns the schema a fresh database is created with
func GetCurrentSchema() *DatabaseSchema {
	return &DatabaseSchema{
		Version: SchemaVersion,
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at INTEGER NOT NULL,
				description TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS slots (
				name TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at INTEGER NOT NULL
			) WITHOUT ROWID`,
			`CREATE TABLE IF NOT EXISTS store_metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_slots_updated ON slots(updated_at)`,
		},
		Migrations: map[int][]string{
			// v2: device metadata (origin id for broadcast filtering)
			2: {
				`CREATE TABLE IF NOT EXISTS store_metadata (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_slots_updated ON slots(updated_at)`,
			},
		},
	}
}

// requiredTables is what ValidateSchema expects to find
var requiredTables = []string{"schema_version", "slots", "store_metadata"}

var requiredIndexes = []string{"idx_slots_updated"}
