// Package migrations embeds the database schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Direction selects up or down scripts.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Script is one migration file.
type Script struct {
	Name string
	SQL  string
}

// Scripts returns the scripts for d in the order they must run.
// Up scripts run ascending and down scripts descending.
func Scripts(d Direction) ([]Script, error) {
	if d != Up && d != Down {
		return nil, fmt.Errorf("unknown migration direction %q", d)
	}
	names, err := fs.Glob(files, "*."+string(d)+".sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	if d == Down {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}

	out := make([]Script, 0, len(names))
	for _, n := range names {
		b, err := files.ReadFile(n)
		if err != nil {
			return nil, err
		}
		out = append(out, Script{Name: strings.TrimSuffix(n, ".sql"), SQL: string(b)})
	}
	return out, nil
}
