package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/BadgerOps/sitemove/internal/archive"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// Contents is what an archive holds, as read without decoding any payload
// other than the manifest.
type Contents struct {
	Manifest *Manifest
	Entries  []archive.Entry
}

// Inspect verifies an archive's structure and reads its manifest and entry
// headers.
func Inspect(ctx context.Context, path string) (*Contents, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, archiveError(err)
	}
	defer r.Close()

	c := &Contents{}
	for e, err := range r.Entries(0) {
		if err != nil {
			return nil, archiveError(err)
		}
		c.Entries = append(c.Entries, e)
	}

	e, err := r.Find(ManifestName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, smerrors.ErrArchiveCorrupt(int64(r.Size()), fmt.Errorf("archive has no %s", ManifestName))
		}
		return nil, archiveError(err)
	}
	data, err := r.ReadAll(ctx, e)
	if err != nil {
		return nil, archiveError(err)
	}
	if c.Manifest, err = decodeManifest(json.RawMessage(data)); err != nil {
		return nil, err
	}
	return c, nil
}

// Filters returns the filters that decode the entries of an archive
// described by m. The password is checked against the manifest signature
// when the archive is encrypted. Call the returned function when done.
func Filters(m *Manifest, password string) ([]archive.Filter, func(), error) {
	if m.Encrypted {
		if password == "" {
			return nil, nil, smerrors.ErrDecryption("the archive is encrypted and no password was supplied")
		}
		f, err := archive.NewPasswordFilter(password, m.Salt)
		if err != nil {
			return nil, nil, err
		}
		if err := f.CheckSignature(m.EncryptionSignature); err != nil {
			return nil, nil, smerrors.ErrDecryption("the password does not match the one used for export")
		}
	}
	return readFilters(password, m)
}
