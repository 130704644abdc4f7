package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"automation-engine/internal/models"
)

const numericPattern = `'^\s*-?[0-9]+(\.[0-9]+)?\s*$'`

// conditionClause renders the WHERE fragment for an operator. $3 is the
// column name and $4 the resolved comparison value. Ordering operators
// compare numerically when the value is a number and the row's cell looks
// like one, and as text otherwise.
func conditionClause(op string, numericValue bool) (string, error) {
	const col, val = `(data->>$3::text)`, `$4::text`
	numeric := func(cmp string) string {
		if !numericValue {
			return col + " " + cmp + " " + val
		}
		return fmt.Sprintf(`(CASE WHEN %[1]s ~ %[2]s THEN %[1]s::numeric %[3]s %[4]s::numeric ELSE %[1]s %[3]s %[4]s END)`,
			col, numericPattern, cmp, val)
	}
	switch op {
	case models.OpEq:
		return col + ` = ` + val, nil
	case models.OpNeq:
		return col + ` IS DISTINCT FROM ` + val, nil
	case models.OpGt:
		return numeric(">"), nil
	case models.OpGte:
		return numeric(">="), nil
	case models.OpLt:
		return numeric("<"), nil
	case models.OpLte:
		return numeric("<="), nil
	case models.OpContains:
		return `strpos(lower(` + col + `), lower(` + val + `)) > 0`, nil
	case models.OpIsEmpty:
		return `COALESCE(` + col + `, '') = ''`, nil
	case models.OpIsNotEmpty:
		return `COALESCE(` + col + `, '') <> ''`, nil
	default:
		return "", fmt.Errorf("unsupported operator %q", op)
	}
}

// countQuery wraps clause in the count statement. Every parameter is bound
// with its type in the params row, so operators whose clause never mentions
// $4 still prepare.
func countQuery(clause string) string {
	return `
		SELECT COUNT(*), MAX(CASE WHEN p.period_column = '' THEN NULL ELSE r.data->>p.period_column END)
		FROM database_rows r
		CROSS JOIN (SELECT $1::text AS organization_id, $2::text AS database_id,
			$3::text AS column_name, $4::text AS value, $5::text AS period_column) p
		WHERE r.organization_id = p.organization_id AND r.database_id = p.database_id AND ` + clause
}

// CountMatchingRows counts an organization's rows in the condition's
// database that satisfy it. value is the already-resolved comparison value.
// maxPeriod is the largest periodColumn value among matches, or "".
// The query is read-only.
func (s *Store) CountMatchingRows(ctx context.Context, orgID string, cond models.DataCondition, value string) (int, string, error) {
	_, numErr := strconv.ParseFloat(strings.TrimSpace(value), 64)
	clause, err := conditionClause(cond.Operator, numErr == nil)
	if err != nil {
		return 0, "", err
	}
	var (
		count     int
		maxPeriod pgtype.Text
	)
	err = s.pool.QueryRow(ctx, countQuery(clause),
		orgID, cond.DatabaseID, cond.Column, value, cond.PeriodColumn).Scan(&count, &maxPeriod)
	if err != nil {
		return 0, "", fmt.Errorf("count matching rows in %s: %w", cond.DatabaseID, err)
	}
	return count, textValue(maxPeriod), nil
}
