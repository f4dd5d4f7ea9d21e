package relengine

import (
	"context"
	"database/sql"

	"github.com/tablevc/tablevc/domain"
)

// sqlRowStream adapts *sql.Rows to domain.RowStream, matching the teacher's
// ScanRows helper in server/datasource/sql/scanner.go but streaming one row
// at a time instead of buffering a full result set.
type sqlRowStream struct {
	rows    *sql.Rows
	columns []string
}

func newSQLRowStream(rows *sql.Rows) (*sqlRowStream, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, wrapEngineErr("columns", err)
	}
	return &sqlRowStream{rows: rows, columns: cols}, nil
}

func (s *sqlRowStream) Next(ctx context.Context) (domain.Row, error) {
	if ctx.Err() != nil {
		s.rows.Close()
		return nil, ctx.Err()
	}
	if !s.rows.Next() {
		s.rows.Close()
		return nil, wrapEngineErr("rows", s.rows.Err())
	}

	values := make([]interface{}, len(s.columns))
	scanTargets := make([]interface{}, len(s.columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}
	if err := s.rows.Scan(scanTargets...); err != nil {
		s.rows.Close()
		return nil, wrapEngineErr("scan", err)
	}

	row := make(domain.Row, len(s.columns))
	for i, col := range s.columns {
		row[col] = normalizeValue(values[i])
	}
	return row, nil
}

func (s *sqlRowStream) Close() error {
	return s.rows.Close()
}

// normalizeValue converts driver-specific byte slices (common for TEXT and
// NUMERIC columns across drivers) into plain strings, matching the
// teacher's parseColumnInfo normalization helper.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

var _ domain.RowStream = (*sqlRowStream)(nil)
