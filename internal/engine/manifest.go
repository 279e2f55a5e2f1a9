package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BadgerOps/sitemove/internal/pipeline"
)

// ManifestVersion is written into every package. Archives with a different
// major version are refused on import.
const ManifestVersion = "1.0"

// Manifest describes an exported site. It is the last entry of an archive.
type Manifest struct {
	Version     string    `json:"version"`
	Created     time.Time `json:"created"`
	SourceHost  string    `json:"source_host"`
	SiteURL     string    `json:"site_url,omitempty"`
	HomeURL     string    `json:"home_url,omitempty"`
	SiteRoot    string    `json:"site_root,omitempty"`
	ContentDir  string    `json:"content_dir,omitempty"`
	TablePrefix string    `json:"table_prefix,omitempty"`
	DumpPrefix  string    `json:"dump_prefix,omitempty"`
	Dialect     string    `json:"dialect,omitempty"`
	UploadsPath string    `json:"uploads_path,omitempty"`
	UploadsURL  string    `json:"uploads_url,omitempty"`
	Template    string    `json:"template,omitempty"`
	Stylesheet  string    `json:"stylesheet,omitempty"`
	Plugins     []string  `json:"plugins,omitempty"`

	Encrypted           bool   `json:"encrypted"`
	EncryptionSignature string `json:"encryption_signature,omitempty"`
	Salt                []byte `json:"salt,omitempty"`
	Compression         string `json:"compression,omitempty"`

	Multisite bool           `json:"multisite,omitempty"`
	Sites     []ManifestSite `json:"sites,omitempty"`

	Tables   []string         `json:"tables,omitempty"`
	Counters ManifestCounters `json:"counters"`
	Options  ManifestOptions  `json:"options"`
}

// ManifestSite is one site of an exported network.
type ManifestSite struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// ManifestCounters summarize what the archive holds.
type ManifestCounters struct {
	Files  int64 `json:"files"`
	Bytes  int64 `json:"bytes"`
	Tables int   `json:"tables"`
	Rows   int64 `json:"rows"`
}

// ManifestOptions record what was left out of the export.
type ManifestOptions struct {
	NoMedia           bool                `json:"no_media,omitempty"`
	NoPlugins         bool                `json:"no_plugins,omitempty"`
	NoThemes          bool                `json:"no_themes,omitempty"`
	NoDatabase        bool                `json:"no_database,omitempty"`
	NoSpamComments    bool                `json:"no_spam_comments,omitempty"`
	NoRevisions       bool                `json:"no_revisions,omitempty"`
	DeactivatePlugins bool                `json:"deactivate_plugins,omitempty"`
	Theme             string              `json:"theme,omitempty"`
	Exclude           pipeline.Exclusions `json:"exclude,omitempty"`
}

// HasDatabase reports whether the archive carries a database dump.
func (m *Manifest) HasDatabase() bool {
	return len(m.Tables) > 0
}

// ManifestSummary is the part of a manifest needed to decide whether an
// archive can be imported at all.
type ManifestSummary struct {
	Version   string
	Encrypted bool
	Sites     int
	SiteURL   string
	Files     int64
	Bytes     int64
	Tables    int
}

// PeekManifest reads the summary fields of an encoded manifest without
// decoding the whole document.
func PeekManifest(data []byte) (ManifestSummary, error) {
	if !gjson.ValidBytes(data) {
		return ManifestSummary{}, fmt.Errorf("manifest is not valid JSON")
	}
	res := gjson.GetManyBytes(data,
		"version", "encrypted", "sites.#", "site_url",
		"counters.files", "counters.bytes", "counters.tables")
	s := ManifestSummary{
		Version:   res[0].String(),
		Encrypted: res[1].Bool(),
		Sites:     int(res[2].Int()),
		SiteURL:   res[3].String(),
		Files:     res[4].Int(),
		Bytes:     res[5].Int(),
		Tables:    int(res[6].Int()),
	}
	if s.Version == "" {
		return s, fmt.Errorf("manifest has no version")
	}
	return s, nil
}

// compatibleVersion reports whether an archive written with version v can be
// read by this build.
func compatibleVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	want, _, _ := strings.Cut(ManifestVersion, ".")
	return major == want
}

// decodeManifest parses a manifest carried in a job state.
func decodeManifest(raw json.RawMessage) (*Manifest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("job has no manifest")
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// encode serializes the manifest for the job state and the archive.
func (m *Manifest) encode() (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return data, nil
}
