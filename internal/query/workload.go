package query

import (
	"fmt"
	"os"
	"strings"
)

// Statement is one workload entry.
type Statement struct {
	ID  string
	SQL string
}

// ParseWorkload reads a workload file: SQL statements separated by ';'.
// Blank statements are skipped; IDs are assigned in file order.
func ParseWorkload(path string) ([]Statement, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read workload: %v", ErrConfig, err)
	}
	return SplitStatements(string(buf)), nil
}

// SplitStatements splits raw SQL text on ';'.
func SplitStatements(raw string) []Statement {
	var out []Statement
	for _, part := range strings.Split(raw, ";") {
		sql := strings.TrimSpace(part)
		if sql == "" {
			continue
		}
		out = append(out, Statement{
			ID:  fmt.Sprintf("q%d", len(out)+1),
			SQL: sql,
		})
	}
	return out
}
