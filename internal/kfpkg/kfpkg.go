// Package kfpkg reads the .kfpkg firmware container: a zip archive
// holding a flash-list.json manifest at its root plus one binary entry
// per file the manifest references.
package kfpkg

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedVersion is returned when flash-list.json names a
// schema version outside the whitelist.
var ErrUnsupportedVersion = errors.New("kfpkg: unsupported flash-list.json version")

var supportedVersions = map[string]bool{
	"0.1.0": true,
	"0.1.1": true,
}

type flashListRoot struct {
	Version string           `json:"version"`
	Files   []flashListEntry `json:"files"`
}

type flashListEntry struct {
	Address       uint32 `json:"address"`
	Bin           string `json:"bin"`
	SHA256Prefix  bool   `json:"sha256Prefix"`
	Reverse4Bytes bool   `json:"reverse4Bytes"`
}

// FlashFile is one file to write to flash: its target address, its
// lazily-opened byte stream, and the transforms FlashFirmware should
// apply before streaming it.
type FlashFile struct {
	Address       uint32
	Length        uint64
	SHA256Prefix  bool
	Reverse4Bytes bool

	entry *zip.File
}

// Open returns a fresh reader over the file's contents. The returned
// reader is only valid while the owning Package is open.
func (f *FlashFile) Open() (io.ReadCloser, error) {
	return f.entry.Open()
}

// Package is an open .kfpkg archive. Every FlashFile it returns
// borrows from the archive and is valid only while the Package is
// open; callers must not use a FlashFile after calling Close.
type Package struct {
	reader *zip.ReadCloser
	Files  []*FlashFile
}

// Open opens path as a .kfpkg archive, parses flash-list.json, and
// validates its version against the supported whitelist. Files are
// returned in manifest order, so callers that write them out in the
// order returned reproduce the order the manifest lists them in.
func Open(path string) (*Package, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("kfpkg: open %s: %w", path, err)
	}

	pkg, err := fromReader(&reader.Reader)
	if err != nil {
		reader.Close()
		return nil, err
	}
	pkg.reader = reader
	return pkg, nil
}

func fromReader(zr *zip.Reader) (*Package, error) {
	manifest, err := findEntry(zr, "flash-list.json")
	if err != nil {
		return nil, err
	}

	rc, err := manifest.Open()
	if err != nil {
		return nil, fmt.Errorf("kfpkg: open flash-list.json: %w", err)
	}
	defer rc.Close()

	var root flashListRoot
	if err := json.NewDecoder(rc).Decode(&root); err != nil {
		return nil, fmt.Errorf("kfpkg: parse flash-list.json: %w", err)
	}

	if !supportedVersions[root.Version] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, root.Version)
	}

	files := make([]*FlashFile, 0, len(root.Files))
	for _, e := range root.Files {
		binEntry, err := findEntry(zr, e.Bin)
		if err != nil {
			return nil, err
		}
		files = append(files, &FlashFile{
			Address:       e.Address,
			Length:        uint64(binEntry.FileInfo().Size()),
			SHA256Prefix:  e.SHA256Prefix,
			Reverse4Bytes: e.Reverse4Bytes,
			entry:         binEntry,
		})
	}

	return &Package{Files: files}, nil
}

func findEntry(zr *zip.Reader, name string) (*zip.File, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("kfpkg: %q not found in archive", name)
}

// Close releases the underlying archive. No FlashFile returned by this
// Package may be used afterward.
func (p *Package) Close() error {
	if p.reader == nil {
		return nil
	}
	return p.reader.Close()
}
