// Package dialect keeps the store's SQL portable between the two supported
// engines. Queries are written with ? placeholders and rebound by sqlx; the
// helpers here cover the few fragments that genuinely differ.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// Like picks the case-insensitive pattern operator. SQLite's LIKE already
// folds ASCII case; Postgres needs ILIKE.
func Like(driver string) string {
	if driver == PGX {
		return "ILIKE"
	}
	return "LIKE"
}

// BoolToInt maps a bool onto the integer column form shared by both engines.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
