package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Identity is the set of site options that name a site and its active
// extensions.
type Identity struct {
	SiteURL       string   `json:"site_url,omitempty"`
	Home          string   `json:"home,omitempty"`
	UploadPath    string   `json:"upload_path,omitempty"`
	UploadURLPath string   `json:"upload_url_path,omitempty"`
	Template      string   `json:"template,omitempty"`
	Stylesheet    string   `json:"stylesheet,omitempty"`
	ActivePlugins []string `json:"active_plugins,omitempty"`
}

// Site is one site of a multi-site network.
type Site struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// ReadIdentity reads identity options from the prefix's options table. A
// missing options table yields an empty identity.
func ReadIdentity(ctx context.Context, db *DB, prefix string) (Identity, error) {
	var id Identity
	table := prefix + "options"
	ok, err := db.TableExists(ctx, table)
	if err != nil || !ok {
		return id, err
	}

	fields := map[string]*string{
		"siteurl":         &id.SiteURL,
		"home":            &id.Home,
		"upload_path":     &id.UploadPath,
		"upload_url_path": &id.UploadURLPath,
		"template":        &id.Template,
		"stylesheet":      &id.Stylesheet,
	}
	for name, dst := range fields {
		v, err := readOption(ctx, db, table, name)
		if err != nil {
			return id, err
		}
		*dst = v
	}

	plugins, err := readOption(ctx, db, table, "active_plugins")
	if err != nil {
		return id, err
	}
	if plugins != "" {
		if err := json.Unmarshal([]byte(plugins), &id.ActivePlugins); err != nil {
			return id, fmt.Errorf("active_plugins is not a JSON list: %w", err)
		}
	}
	return id, nil
}

func readOption(ctx context.Context, db *DB, table, name string) (string, error) {
	query := "SELECT option_value FROM " + db.QuoteIdent(table) + " WHERE option_name = " + db.Placeholder(1)
	var v sql.NullString
	err := db.db.QueryRowContext(ctx, query, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading option %s: %w", name, err)
	}
	return v.String, nil
}

// ApplyIdentity writes the non-empty fields of id into the prefix's options
// table, inserting options that do not exist yet. ActivePlugins is written
// whenever it is non-nil, so an empty list deactivates every plugin.
func ApplyIdentity(ctx context.Context, db *DB, prefix string, id Identity) error {
	table := prefix + "options"
	values := []struct{ name, value string }{
		{"siteurl", id.SiteURL},
		{"home", id.Home},
		{"upload_path", id.UploadPath},
		{"upload_url_path", id.UploadURLPath},
		{"template", id.Template},
		{"stylesheet", id.Stylesheet},
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, v := range values {
		if v.value == "" {
			continue
		}
		if err := setOption(ctx, db, tx, table, v.name, v.value); err != nil {
			return err
		}
	}
	if id.ActivePlugins != nil {
		b, err := json.Marshal(id.ActivePlugins)
		if err != nil {
			return err
		}
		if err := setOption(ctx, db, tx, table, "active_plugins", string(b)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func setOption(ctx context.Context, db *DB, ex execer, table, name, value string) error {
	update := "UPDATE " + db.QuoteIdent(table) + " SET option_value = " + db.Placeholder(1) + " WHERE option_name = " + db.Placeholder(2)
	res, err := ex.ExecContext(ctx, update, value, name)
	if err != nil {
		return fmt.Errorf("updating option %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	insert := "INSERT INTO " + db.QuoteIdent(table) + " (option_name, option_value) VALUES (" + db.Placeholder(1) + ", " + db.Placeholder(2) + ")"
	if _, err := ex.ExecContext(ctx, insert, name, value); err != nil {
		return fmt.Errorf("inserting option %s: %w", name, err)
	}
	return nil
}

// ReadSites lists the sites of a multi-site network from the prefix's blogs
// table. A single site without that table yields nil.
func ReadSites(ctx context.Context, db *DB, prefix string) ([]Site, error) {
	table := prefix + "blogs"
	ok, err := db.TableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := db.db.QueryContext(ctx, "SELECT blog_id, domain, path FROM "+db.QuoteIdent(table)+" ORDER BY blog_id")
	if err != nil {
		return nil, fmt.Errorf("listing sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.Domain, &s.Path); err != nil {
			return nil, fmt.Errorf("scanning site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// SiteTables filters a table list down to tables belonging to the prefix.
func SiteTables(tables []string, prefix string) []string {
	var out []string
	for _, t := range tables {
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	return out
}
