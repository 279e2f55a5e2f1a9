package engine

import (
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestManifestEncodeDecode(t *testing.T) {
	m := &Manifest{
		Version:     ManifestVersion,
		Created:     mustTime(t, "2026-02-19T14:30:00Z"),
		SourceHost:  "web-1",
		SiteURL:     "https://old.example",
		TablePrefix: "wp_",
		DumpPrefix:  "SMV_PREFIX_",
		Plugins:     []string{"hello/hello.php"},
		Sites:       []ManifestSite{{ID: 1, Domain: "old.example", Path: "/"}},
		Tables:      []string{"wp_options", "wp_posts"},
		Counters:    ManifestCounters{Files: 12, Bytes: 4096, Tables: 2, Rows: 40},
		Options:     ManifestOptions{NoThemes: true, Theme: "other"},
	}
	raw, err := m.encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeManifest(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Created.Equal(m.Created) || got.SiteURL != m.SiteURL || got.DumpPrefix != "SMV_PREFIX_" {
		t.Errorf("decoded = %+v", got)
	}
	if !got.HasDatabase() || got.Counters.Rows != 40 || !got.Options.NoThemes {
		t.Errorf("decoded counters/options = %+v %+v", got.Counters, got.Options)
	}
	if strings.Contains(string(raw), "encryption_signature") {
		t.Error("empty signature should be omitted")
	}
}

func TestDecodeManifest_Errors(t *testing.T) {
	if _, err := decodeManifest(nil); err == nil {
		t.Error("expected error for an empty manifest")
	}
	if _, err := decodeManifest([]byte(`{"version":`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestPeekManifest(t *testing.T) {
	data := []byte(`{
		"version": "1.0",
		"encrypted": true,
		"site_url": "https://old.example",
		"sites": [{"id": 1}, {"id": 2}],
		"counters": {"files": 7, "bytes": 2048, "tables": 3, "rows": 9}
	}`)
	s, err := PeekManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	want := ManifestSummary{Version: "1.0", Encrypted: true, Sites: 2, SiteURL: "https://old.example", Files: 7, Bytes: 2048, Tables: 3}
	if s != want {
		t.Errorf("summary = %+v, want %+v", s, want)
	}

	if _, err := PeekManifest([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := PeekManifest([]byte(`{"site_url":"x"}`)); err == nil {
		t.Error("expected error for a manifest without version")
	}
}

func TestCompatibleVersion(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0", true},
		{"1.7", true},
		{"1", true},
		{"2.0", false},
		{"0.9", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := compatibleVersion(tt.version); got != tt.want {
			t.Errorf("compatibleVersion(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}
