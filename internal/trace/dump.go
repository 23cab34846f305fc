package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// dumpTimeFormat renders timestamps in dumps.
const dumpTimeFormat = "2006-01-02 15:04:05.000"

// dumpSpec is a fixed-width rendering of one table. Column titles carry
// trailing padding that sets the width of their column.
type dumpSpec struct {
	table     string
	columns   []string
	qualifier string
}

func pad(title string, width int) string {
	if n := utf8.RuneCountInString(title); n < width {
		return title + strings.Repeat(" ", width-n)
	}
	return title
}

var dumps = map[string]dumpSpec{
	"Actor": {table: "Actor", columns: []string{
		"ActorID", pad("ActorName", 47),
	}, qualifier: "ORDER BY ActorID"},
	"ActorVariable": {table: "ActorVariable", columns: []string{
		"VariableID", "ActorID", "VariableClass", "DataTypeID", "VariableName",
	}, qualifier: "ORDER BY VariableID"},
	"Node": {table: "Node", columns: []string{
		"NodeID", "ParentNodeID", "ActorID", "StepCount", pad("NodeName", 50), pad("LocalNodeName", 31),
	}, qualifier: "ORDER BY NodeID"},
	"NodeVariable": {table: "NodeVariable", columns: []string{
		"NodeVariableID", "NodeID", "ActorVariableID",
	}, qualifier: "ORDER BY NodeVariableID"},
	"Port": {table: "Port", columns: []string{
		"PortID", "NodeID", "NodeVariableID", "PortDirection", "PacketCount", pad("PortName", 15), pad("UriTemplate", 49),
	}, qualifier: "ORDER BY PortID"},
	"Channel": {table: "Channel", columns: []string{
		"InPortID", "OutPortID",
	}, qualifier: "ORDER BY InPortID, OutPortID"},
	"Step": {table: "Step", columns: []string{
		"StepID", "NodeID", "ParentStepID", "StepNumber", "UpdateCount",
	}, qualifier: "ORDER BY StepID"},
	"Packet": {table: "Packet", columns: []string{
		"PacketID", "OriginEventID",
	}, qualifier: "ORDER BY PacketID"},
	"PortEvent": {table: "PortEvent", columns: []string{
		"PortEventID", "PortID", "PacketID", "StepID", "EventClass", "EventNumber",
	}, qualifier: "ORDER BY PortEventID"},
	"Data": {table: "Data", columns: []string{
		"DataID", "IsReference", "DataTypeID", pad("Value", 54),
	}, qualifier: "ORDER BY DataID"},
	"Resource": {table: "Resource", columns: []string{
		"ResourceID", "DataID", pad("Uri", 51),
	}, qualifier: "ORDER BY ResourceID"},
	"PacketResource": {table: "PacketResource", columns: []string{
		"PacketID", "ResourceID",
	}, qualifier: "ORDER BY PacketID, ResourceID"},
	"PacketMetadata": {table: "PacketMetadata", columns: []string{
		"MetadataID", "PacketID", pad("Key", 13), "DataID",
	}, qualifier: "ORDER BY MetadataID"},
	"PublishedResource": {table: "PublishedResource", columns: []string{
		"IsReference", "DataTypeID", pad("Uri", 51), pad("Value", 54),
	}, qualifier: "ORDER BY ResourceID"},
}

// DumpNames returns the tables and views Dump can render, sorted.
func DumpNames() []string {
	names := make([]string, 0, len(dumps))
	for name := range dumps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dump renders the named table in its standard column layout.
func (t *Trace) Dump(ctx context.Context, name string) (string, error) {
	layout, ok := dumps[name]
	if !ok {
		return "", fmt.Errorf("no dump named %q", name)
	}
	return t.DumpTable(ctx, layout.table, layout.columns, layout.qualifier)
}

// DumpTable renders the selected columns of table as fixed-width text.
// Each column is as wide as its title, including any trailing spaces in
// the title; longer values are truncated. qualifier is appended to the
// query and typically holds an ORDER BY clause.
func (t *Trace) DumpTable(ctx context.Context, table string, columns []string, qualifier string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("dump %s: no columns", table)
	}

	widths := make([]int, len(columns))
	names := make([]string, len(columns))
	var heading, rule strings.Builder
	for i, c := range columns {
		widths[i] = utf8.RuneCountInString(c)
		names[i] = quoteIdent(strings.TrimSpace(c))
		heading.WriteString(c)
		heading.WriteByte(' ')
		rule.WriteString(strings.Repeat("-", widths[i]))
		rule.WriteByte(' ')
	}

	query := "SELECT " + strings.Join(names, ", ") + " FROM " + quoteIdent(table)
	if qualifier != "" {
		query += " " + qualifier
	}

	var b strings.Builder
	b.WriteString(heading.String())
	b.WriteByte('\n')
	b.WriteString(rule.String())
	b.WriteByte('\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err := t.each(ctx, query, func(rows *sql.Rows) error {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			b.WriteString(fit(cell(v), widths[i]))
			b.WriteByte(' ')
		}
		b.WriteByte('\n')
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("dump %s: %w", table, err)
	}
	return b.String(), nil
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(dumpTimeFormat)
	default:
		return fmt.Sprint(x)
	}
}

// fit truncates or pads s to width runes. Line breaks are flattened so
// every row stays on one line.
func fit(s string, width int) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	if utf8.RuneCountInString(s) > width {
		r := []rune(s)
		return string(r[:width])
	}
	return pad(s, width)
}

// Rows returns the rows of table whose columns equal the values in where,
// ordered by rowid. Each row maps column name to its scanned value.
func (t *Trace) Rows(ctx context.Context, table string, where map[string]any) ([]map[string]any, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := "SELECT * FROM " + quoteIdent(table)
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i == 0 {
			query += " WHERE "
		} else {
			query += " AND "
		}
		query += quoteIdent(k) + " = ?"
		args = append(args, where[k])
	}
	if table != "PublishedResource" {
		query += " ORDER BY rowid"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var result []map[string]any
	err := t.each(ctx, query, func(rows *sql.Rows) error {
		columns, err := rows.Columns()
		if err != nil {
			return err
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		result = append(result, row)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("rows of %s: %w", table, err)
	}
	return result, nil
}
