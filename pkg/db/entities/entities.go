// Package entities names the warehouse tables that take part in chunk promotion.
//
// Every managed logical table T is backed by three physical tables:
//
//	T                  production, queried by consumers
//	_T_staging         rows waiting for promotion, plus the chunk column
//	_T_promoted_tmp    scratch copy built and swapped during a promotion
//
// The names are derived here and nowhere else so that the promoter, the CLI and the
// tests agree on them.
//
// Usage Example:
//
//	for _, table := range entities.Defaults() {
//	    fmt.Println(table.TableName(), table.StagingTableName(), table.PromotedTmpTableName())
//	}
//
// Thread Safety:
//
//	All functions and methods in this package are safe for concurrent use.
package entities

import (
	"fmt"
	"regexp"
	"strings"
)

// Table is the logical name of a promoted table (e.g. "DiaObject").
//
// Table values are validated identifiers; construct them from external input with
// FromString so that derived names can be interpolated into SQL.
type Table string

// Default tables managed by the promoter.
const (
	// DiaObject holds the per-object summaries.
	// Production table: DiaObject
	// Staging table: _DiaObject_staging
	DiaObject Table = "DiaObject"

	// DiaSource holds difference image sources.
	// Production table: DiaSource
	// Staging table: _DiaSource_staging
	DiaSource Table = "DiaSource"

	// DiaForcedSource holds forced photometry sources.
	// Production table: DiaForcedSource
	// Staging table: _DiaForcedSource_staging
	DiaForcedSource Table = "DiaForcedSource"
)

const (
	stagingSuffix     = "_staging"
	promotedTmpSuffix = "_promoted_tmp"
)

// DefaultChunkColumn is the staging column carrying the replica chunk id.
const DefaultChunkColumn = "replica_chunk"

var defaultTables = []Table{DiaObject, DiaSource, DiaForcedSource}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	for _, t := range defaultTables {
		if err := t.Validate(); err != nil {
			panic(fmt.Sprintf("entities: %v", err))
		}
	}
}

func (t Table) String() string {
	return string(t)
}

// TableName returns the production table name.
func (t Table) TableName() string {
	return string(t)
}

// StagingTableName returns the staging table name: _T_staging.
func (t Table) StagingTableName() string {
	return "_" + string(t) + stagingSuffix
}

// PromotedTmpTableName returns the scratch table name: _T_promoted_tmp.
func (t Table) PromotedTmpTableName() string {
	return "_" + string(t) + promotedTmpSuffix
}

// Validate checks that the name is a plain SQL identifier and not itself a derived name.
func (t Table) Validate() error {
	s := string(t)
	if !IsIdentifier(s) {
		return fmt.Errorf("invalid table name %q: must match %s", s, identifierRe.String())
	}
	if strings.HasSuffix(s, stagingSuffix) || strings.HasSuffix(s, promotedTmpSuffix) {
		return fmt.Errorf("invalid table name %q: use the production name, not a derived one", s)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Table) MarshalText() ([]byte, error) {
	return []byte(t), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and validates the name.
func (t *Table) UnmarshalText(text []byte) error {
	table, err := FromString(string(text))
	if err != nil {
		return err
	}
	*t = table
	return nil
}

// FromString validates s and returns it as a Table.
func FromString(s string) (Table, error) {
	t := Table(strings.TrimSpace(s))
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// ParseList converts names into tables, rejecting invalid and duplicate names.
// An empty list yields the defaults.
func ParseList(names []string) ([]Table, error) {
	if len(names) == 0 {
		return Defaults(), nil
	}
	seen := make(map[Table]bool, len(names))
	out := make([]Table, 0, len(names))
	for _, n := range names {
		t, err := FromString(n)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate table name %q", t)
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Defaults returns a copy of the default managed tables, in promotion order.
func Defaults() []Table {
	result := make([]Table, len(defaultTables))
	copy(result, defaultTables)
	return result
}

// Strings returns the production names of tables.
func Strings(tables []Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.String()
	}
	return out
}

// IsIdentifier reports whether s can be used unquoted as a table or column name.
func IsIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}
