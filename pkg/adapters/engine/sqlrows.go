package engine

import (
	"database/sql"

	"github.com/conduitworks/conduit-engine/pkg/models"
)

// CollectSQLRows drains a database/sql result set into an EngineResult.
// Shared by every adapter built on database/sql (mysql, mariadb, sqlite).
func CollectSQLRows(rows *sql.Rows) (*models.EngineResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &models.EngineResult{
		Columns: columns,
		Rows:    make([]map[string]any, 0),
	}

	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			// Drivers hand back []byte for text columns; surface strings.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}
