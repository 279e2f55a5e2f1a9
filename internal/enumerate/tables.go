package enumerate

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Tables selects the tables to export. With a non-empty include list only
// names starting with one of its prefixes are kept; names starting with an
// exclude prefix are always dropped. The result is sorted.
func Tables(names, include, exclude []string) []string {
	var out []string
	for _, name := range names {
		if len(include) > 0 && !hasAnyPrefix(name, include) {
			continue
		}
		if hasAnyPrefix(name, exclude) {
			continue
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// WriteTables persists a table list, one name per line.
func WriteTables(listPath string, names []string) error {
	tmp := listPath + ".tmp"
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing table list: %w", err)
	}
	if err := os.Rename(tmp, listPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming table list: %w", err)
	}
	return nil
}

// ReadTables loads a table list written by WriteTables.
func ReadTables(listPath string) ([]string, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("opening table list: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			names = append(names, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading table list: %w", err)
	}
	return names, nil
}
