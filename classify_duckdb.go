package sheetfix

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"
)

// sqlRowScanner loads each sheet into an in-memory DuckDB table and runs
// the data quality checks as SQL aggregations. On wide sheets this keeps the
// per-column passes in the database instead of Go loops.
type sqlRowScanner struct {
	db     *sql.DB
	logger *zap.Logger
}

// newSQLRowScanner opens an in-memory database. The driver is optional at
// runtime (it needs cgo), so a failed open reports not-available rather
// than an error and the caller falls back to the in-memory scanner.
func newSQLRowScanner(logger *zap.Logger) (*sqlRowScanner, bool) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		logger.Debug("duckdb unavailable, using in-memory scanner", zap.Error(err))
		return nil, false
	}
	if err := db.Ping(); err != nil {
		db.Close()
		logger.Debug("duckdb unavailable, using in-memory scanner", zap.Error(err))
		return nil, false
	}
	return &sqlRowScanner{db: db, logger: logger}, true
}

// Close releases the underlying database.
func (s *sqlRowScanner) Close() error {
	return s.db.Close()
}

func (s *sqlRowScanner) scan(wb Workbook) ([]Defect, error) {
	var defects []Defect
	for i, sheet := range wb.Sheets() {
		rows, err := wb.Rows(sheet)
		if err != nil {
			s.logger.Warn("skipping unreadable sheet", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		// Duplicate detection keys on the full row, which is simpler and no
		// slower in Go than shipping every cell through SQL.
		defects = append(defects, scanDuplicateRows(sheet, rows)...)

		table := fmt.Sprintf("sheet_%d", i)
		width, err := s.loadSheet(table, rows)
		if err != nil {
			s.logger.Warn("sheet load failed, skipping column checks",
				zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		found, err := s.scanColumns(wb, sheet, table, width, len(rows)-1)
		if err != nil {
			s.logger.Warn("column scan failed", zap.String("sheet", sheet), zap.Error(err))
			continue
		}
		defects = append(defects, found...)
	}
	return defects, nil
}

// loadSheet materializes the data rows (everything below the header) as a
// table of VARCHAR columns c0..cN. Returns the column count.
func (s *sqlRowScanner) loadSheet(table string, rows [][]string) (int, error) {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 || len(rows) < 2 {
		return 0, nil
	}

	cols := make([]string, width)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d VARCHAR", i)
	}
	if _, err := s.db.Exec(fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s (%s)", table, strings.Join(cols, ", "))); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", width), ",")
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, placeholders)
	for _, row := range rows[1:] {
		args := make([]any, width)
		for i := 0; i < width; i++ {
			var value string
			if i < len(row) {
				value = strings.TrimSpace(row[i])
			}
			if value == "" {
				args[i] = nil
			} else {
				args[i] = value
			}
		}
		if _, err := s.db.Exec(insert, args...); err != nil {
			return 0, fmt.Errorf("insert row: %w", err)
		}
	}
	return width, nil
}

// scanColumns runs the fill-rate and numeric-shape aggregations per column
// and keeps the thresholds identical to the in-memory scanner.
func (s *sqlRowScanner) scanColumns(wb Workbook, sheet, table string, width, dataRows int) ([]Defect, error) {
	if width == 0 || dataRows <= 0 {
		return nil, nil
	}
	var defects []Defect
	for col := 0; col < width; col++ {
		var filled, numericLike int
		query := fmt.Sprintf(
			"SELECT count(c%d), count(try_cast(c%d AS DOUBLE)) FROM %s", col, col, table)
		if err := s.db.QueryRow(query).Scan(&filled, &numericLike); err != nil {
			return nil, fmt.Errorf("column aggregate: %w", err)
		}

		header, _ := cellNameAt(col, 0)
		missing := dataRows - filled
		if float64(missing)/float64(dataRows) > 0.5 {
			defects = append(defects, Defect{
				Kind:        KindDataQuality,
				Code:        "missing_values",
				Sheet:       sheet,
				Cell:        header,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("column is missing %d of %d values", missing, dataRows),
				AutoFixable: false,
			})
		}
		if numericLike > 0 {
			numericText, err := s.countTextNumbers(wb, sheet, table, col)
			if err != nil {
				return nil, err
			}
			if float64(numericText)/float64(numericLike) > 0.3 {
				defects = append(defects, Defect{
					Kind:        KindDataQuality,
					Code:        "text_numbers",
					Sheet:       sheet,
					Cell:        header,
					Severity:    SeverityMedium,
					Description: fmt.Sprintf("%d of %d numeric values are stored as text", numericText, numericLike),
					AutoFixable: false,
				})
			}
		}
	}
	return defects, nil
}

// countTextNumbers asks the workbook for the storage type of each
// numeric-looking cell; cell typing lives in the file, not the table.
func (s *sqlRowScanner) countTextNumbers(wb Workbook, sheet, table string, col int) (int, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT rowid, c%d FROM %s WHERE try_cast(c%d AS DOUBLE) IS NOT NULL", col, table, col))
	if err != nil {
		return 0, fmt.Errorf("numeric cells: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var rowid int64
		var value string
		if err := rows.Scan(&rowid, &value); err != nil {
			return 0, fmt.Errorf("scan numeric cell: %w", err)
		}
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			continue
		}
		cell, err := cellNameAt(col, int(rowid)+1)
		if err != nil {
			continue
		}
		if text, err := wb.IsTextCell(sheet, cell); err == nil && text {
			count++
		}
	}
	return count, rows.Err()
}
