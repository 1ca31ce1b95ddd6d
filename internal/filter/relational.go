package filter

import (
	"fmt"
	"strings"

	"github.com/davidschrooten/compsync/internal/record"
)

// Relational column expressions.
const (
	ColumnID                = "id"
	ColumnBaseSalary        = "base_salary_cents"
	ColumnYearsExperience   = "years_experience"
	ColumnTotalCompensation = "(COALESCE(base_salary_cents, 0) + COALESCE(bonus_cents, 0) + COALESCE(stock_value_cents, 0))"
)

// RelationalQuery is a parameterized query fragment over compensation_records.
// Values are never interpolated into the text; every value is a positional
// `?` argument.
type RelationalQuery struct {
	Conditions []string
	Args       []interface{}
	OrderBy    string
	Limit      int
	Offset     int
}

func (q *RelationalQuery) add(cond string, args ...interface{}) {
	q.Conditions = append(q.Conditions, cond)
	q.Args = append(q.Args, args...)
}

// Where returns the WHERE clause (without the keyword) and its arguments.
// An empty clause means no constraint.
func (q RelationalQuery) Where() (string, []interface{}) {
	if len(q.Conditions) == 0 {
		return "", nil
	}
	args := make([]interface{}, len(q.Args))
	copy(args, q.Args)
	return strings.Join(q.Conditions, " AND "), args
}

func (q RelationalQuery) whereClause(extra ...string) (string, []interface{}) {
	where, args := q.Where()
	conds := make([]string, 0, len(extra)+1)
	if where != "" {
		conds = append(conds, where)
	}
	conds = append(conds, extra...)
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// SelectSQL returns the row query with ordering and pagination.
func (q RelationalQuery) SelectSQL() (string, []interface{}) {
	where, args := q.whereClause()
	sql := fmt.Sprintf("SELECT * FROM %s%s ORDER BY %s LIMIT ? OFFSET ?", record.TableName, where, q.OrderBy)
	return sql, append(args, q.Limit, q.Offset)
}

// CountSQL returns the total row count query for the filter.
func (q RelationalQuery) CountSQL() (string, []interface{}) {
	where, args := q.whereClause()
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", record.TableName, where), args
}

// StatsSQL returns count, valued count, average, minimum and maximum of column
// for the filtered rows. The column must be a trusted expression.
func (q RelationalQuery) StatsSQL(column string) (string, []interface{}) {
	where, args := q.whereClause()
	sql := fmt.Sprintf(
		"SELECT COUNT(*) AS count, COUNT(%[1]s) AS valued, CAST(AVG(%[1]s) AS DOUBLE PRECISION) AS average, CAST(MIN(%[1]s) AS DOUBLE PRECISION) AS minimum, CAST(MAX(%[1]s) AS DOUBLE PRECISION) AS maximum FROM %[2]s%[3]s",
		column, record.TableName, where)
	return sql, args
}

// MedianSQL returns an exact median query over the valued rows. valued is
// the count of non-null values for column, as returned by StatsSQL.
func (q RelationalQuery) MedianSQL(column string, valued int64) (string, []interface{}) {
	where, args := q.whereClause(column + " IS NOT NULL")
	limit := 2 - valued%2
	offset := (valued - 1) / 2
	if offset < 0 {
		offset = 0
	}
	sql := fmt.Sprintf(
		"SELECT CAST(AVG(value) AS DOUBLE PRECISION) AS median FROM (SELECT %[1]s AS value FROM %[2]s%[3]s ORDER BY value LIMIT ? OFFSET ?) AS ordered",
		column, record.TableName, where)
	return sql, append(args, limit, offset)
}

// likePattern builds a case-insensitive substring pattern with LIKE
// wildcards escaped.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}
