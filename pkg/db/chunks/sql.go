package chunks

import (
	"fmt"
	"strings"
)

// Queries renders the SQL shared by the relational stores. Table is an already quoted
// reference; Placeholder renders the n-th (1-based) bind parameter.
type Queries struct {
	Table       string
	Placeholder func(n int) string
}

// Window selects the promotable window:
//
//	start = min id with status <> promoted
//	stop  = min id >= start with status <> staged
//	ids with status = staged and start <= id < stop, ascending
//
// A NULL status counts as neither promoted nor staged, so it starts and stops the window.
func (q Queries) Window() string {
	return fmt.Sprintf(`
		WITH window_start AS (
			SELECT MIN(%[2]s) AS first_id FROM %[1]s WHERE %[3]s IS NULL OR %[3]s <> '%[4]s'
		),
		window_stop AS (
			SELECT MIN(c.%[2]s) AS stop_id
			FROM %[1]s c CROSS JOIN window_start s
			WHERE s.first_id IS NOT NULL AND c.%[2]s >= s.first_id AND (c.%[3]s IS NULL OR c.%[3]s <> '%[5]s')
		)
		SELECT c.%[2]s
		FROM %[1]s c CROSS JOIN window_start s CROSS JOIN window_stop e
		WHERE s.first_id IS NOT NULL
			AND c.%[3]s = '%[5]s'
			AND c.%[2]s >= s.first_id
			AND (e.stop_id IS NULL OR c.%[2]s < e.stop_id)
		ORDER BY c.%[2]s`,
		q.Table, IDColumn, StatusColumn, StatusPromoted, StatusStaged)
}

// Insert renders an insert of chunk_id followed by cols.
func (q Queries) Insert(cols []string) string {
	names := append([]string{IDColumn}, cols...)
	params := make([]string, len(names))
	for i := range names {
		params[i] = q.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", q.Table, strings.Join(names, ", "), strings.Join(params, ", "))
}

// Update renders an update of cols; the id is the last parameter. Promoted rows are never changed.
func (q Queries) Update(cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, q.Placeholder(i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND %s <> '%s'",
		q.Table, strings.Join(sets, ", "), IDColumn, q.Placeholder(len(cols)+1), StatusColumn, StatusPromoted)
}

// Get renders a select of one row by id.
func (q Queries) Get() string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", q.Table, IDColumn, q.Placeholder(1))
}

// MarkPromoted renders the conditional transition; where is the id predicate.
func (q Queries) MarkPromoted(where string) string {
	return fmt.Sprintf("UPDATE %s SET %s = '%s' WHERE %s AND %s <> '%s'",
		q.Table, StatusColumn, StatusPromoted, where, StatusColumn, StatusPromoted)
}

// DollarPlaceholder renders $n parameters.
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder renders ? parameters.
func QuestionPlaceholder(int) string { return "?" }
