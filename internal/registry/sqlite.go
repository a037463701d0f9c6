package registry

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS packages (
		name TEXT PRIMARY KEY,
		exists_flag INTEGER NOT NULL,
		claimed INTEGER NOT NULL,
		advisory_flagged INTEGER NOT NULL DEFAULT 0,
		popularity_rank INTEGER NOT NULL DEFAULT 0,
		latest_safe TEXT
	);
	CREATE TABLE IF NOT EXISTS popular (
		position INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);
`

// LoadSQLite reads a snapshot written by SaveSQLite.
func LoadSQLite(path string) (*MemorySnapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT name, exists_flag, claimed, advisory_flagged, popularity_rank, latest_safe FROM packages`)
	if err != nil {
		return nil, fmt.Errorf("failed to read packages: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var (
			name   string
			r      Record
			latest sql.NullString
		)
		if err := rows.Scan(&name, &r.Exists, &r.Claimed, &r.AdvisoryFlagged, &r.PopularityRank, &latest); err != nil {
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		r.LatestSafe = latest.String
		records[name] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prow, err := db.Query(`SELECT name FROM popular ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to read popular names: %w", err)
	}
	defer prow.Close()

	var popular []string
	for prow.Next() {
		var name string
		if err := prow.Scan(&name); err != nil {
			return nil, err
		}
		popular = append(popular, name)
	}
	if err := prow.Err(); err != nil {
		return nil, err
	}

	return NewSnapshot(records, popular).WithSource(path), nil
}

// SaveSQLite writes the snapshot to a SQLite database, replacing any
// existing contents.
func SaveSQLite(path string, s *MemorySnapshot) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialise schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM packages; DELETE FROM popular;`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO packages (name, exists_flag, claimed, advisory_flagged, popularity_rank, latest_safe) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for name, r := range s.records {
		if _, err := stmt.Exec(name, r.Exists, r.Claimed, r.AdvisoryFlagged, r.PopularityRank, nullString(r.LatestSafe)); err != nil {
			return fmt.Errorf("failed to insert %s: %w", name, err)
		}
	}

	for i, name := range s.popular {
		if _, err := tx.Exec(`INSERT INTO popular (position, name) VALUES (?, ?)`, i, name); err != nil {
			return fmt.Errorf("failed to insert popular name %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
