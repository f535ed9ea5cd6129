// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
)

// VerifyIntegrity runs SQLite's self-check pragma against the catalog
// file over a fresh read-only connection, so the live pool is never
// disturbed. full selects integrity_check (walks every page) over the
// cheaper quick_check. A healthy database yields nil issues; anything
// else is returned verbatim for the caller to log or fail on.
func VerifyIntegrity(path string, full bool) ([]string, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=2000", path))
	if err != nil {
		return nil, fmt.Errorf("open %s read-only: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	pragma := "PRAGMA quick_check;"
	if full {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.Query(pragma)
	if err != nil {
		return nil, fmt.Errorf("integrity pragma: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan integrity row: %w", err)
		}
		issues = append(issues, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read integrity rows: %w", err)
	}

	// The pragma reports health as exactly one "ok" row.
	if len(issues) == 1 && strings.EqualFold(issues[0], "ok") {
		return nil, nil
	}
	if len(issues) == 0 {
		return []string{"integrity pragma returned no rows"}, nil
	}
	return issues, nil
}
