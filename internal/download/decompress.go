package download

import (
	"compress/bzip2"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var decompressors = map[string]func(io.Reader) (io.ReadCloser, error){
	"gz": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"bz2": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(bzip2.NewReader(r)), nil
	},
	"zst": func(r io.Reader) (io.ReadCloser, error) {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	},
	"lz4": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	},
}

// targetName returns the local file name for urlPath and the suffix whose
// decompressor should be applied, if any. Files that are not decompressed
// keep their full name.
func targetName(urlPath string, decompress bool) (string, string) {
	name := path.Base(urlPath)
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return name, ""
	}
	suffix := name[dot+1:]
	if _, ok := decompressors[suffix]; ok && decompress {
		return name[:dot], suffix
	}
	return name, ""
}

func decompressReader(suffix string, r io.Reader) (io.ReadCloser, error) {
	if suffix == "" {
		return io.NopCloser(r), nil
	}
	rc, err := decompressors[suffix](r)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream: %w", suffix, err)
	}
	return rc, nil
}
