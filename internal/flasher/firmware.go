package flasher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kendryte/kflash-go/internal/kfpkg"
)

// LoadFirmware resolves path into a list of Regions to flash and a
// closer that must be called once flashing is complete (or has
// failed). A bare .bin is one region at address 0 with the SHA-256
// prefix envelope and no byte-reversal; a .kfpkg is one region per
// flash-list.json entry, in manifest order, with each entry's own
// flags.
func LoadFirmware(path string) (regions []Region, closeFn func() error, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin":
		return []Region{{
			Address:      0,
			Open:         func() (io.ReadCloser, error) { return os.Open(path) },
			SHA256Prefix: true,
		}}, func() error { return nil }, nil

	case ".kfpkg":
		pkg, err := kfpkg.Open(path)
		if err != nil {
			return nil, nil, err
		}
		regions = make([]Region, 0, len(pkg.Files))
		for _, f := range pkg.Files {
			f := f
			regions = append(regions, Region{
				Address:       f.Address,
				Open:          func() (io.ReadCloser, error) { return f.Open() },
				SHA256Prefix:  f.SHA256Prefix,
				Reverse4Bytes: f.Reverse4Bytes,
			})
		}
		return regions, pkg.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unrecognized firmware extension %q", ErrBadInput, filepath.Ext(path))
	}
}
