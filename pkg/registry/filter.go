package registry

import (
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"gorm.io/gorm"
)

// Version list filters are small expressions of the form
//
//	state = committed AND type != baseline AND seq >= 3
//
// parsed into WHERE clauses. Values may be bare identifiers, quoted strings
// or integers.

type filterExpr struct {
	First *filterCond   `parser:"@@"`
	Rest  []*filterCond `parser:"( ( 'AND' | 'and' ) @@ )*"`
}

type filterCond struct {
	Field string `parser:"@Ident"`
	Op    string `parser:"@( '!' '=' | '<' '=' | '>' '=' | '=' | '<' | '>' )"`
	Value string `parser:"@( Ident | String | Int )"`
}

var filterParser = participle.MustBuild[filterExpr](participle.Unquote("String"))

// filterColumns maps exposed filter fields to registry columns. Unknown
// fields are rejected so typos fail loudly instead of matching nothing.
var filterColumns = map[string]struct {
	column  string
	numeric bool
}{
	"id":    {column: "id"},
	"state": {column: "state"},
	"type":  {column: "type"},
	"actor": {column: "actor"},
	"seq":   {column: "seq", numeric: true},
}

var filterOps = map[string]string{
	"=":  "=",
	"!=": "<>",
	"<":  "<",
	">":  ">",
	"<=": "<=",
	">=": ">=",
}

// ApplyFilter parses expr and narrows query with one WHERE clause per
// condition.
func ApplyFilter(query *gorm.DB, expr string) (*gorm.DB, error) {
	parsed, err := filterParser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
	}

	conds := append([]*filterCond{parsed.First}, parsed.Rest...)
	for _, c := range conds {
		mapping, ok := filterColumns[c.Field]
		if !ok {
			return nil, fmt.Errorf("invalid filter: unknown field %q", c.Field)
		}
		sqlOp, ok := filterOps[c.Op]
		if !ok {
			return nil, fmt.Errorf("invalid filter: unsupported operator %q", c.Op)
		}

		if mapping.numeric {
			n, err := strconv.ParseInt(c.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid filter: field %q wants an integer, got %q", c.Field, c.Value)
			}
			query = query.Where(fmt.Sprintf("%s %s ?", mapping.column, sqlOp), n)
			continue
		}

		if sqlOp != "=" && sqlOp != "<>" {
			return nil, fmt.Errorf("invalid filter: operator %q not supported for field %q", c.Op, c.Field)
		}
		query = query.Where(fmt.Sprintf("%s %s ?", mapping.column, sqlOp), c.Value)
	}

	return query, nil
}
