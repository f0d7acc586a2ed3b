package report

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is the encoding of a report file, derived from its extension.
type Format string

const (
	Plain Format = "plain"
	Gzip  Format = "gzip"
	Zstd  Format = "zstd"
)

var extensionToFormat = map[string]Format{
	".txt": Plain,
	".log": Plain,
	".tsv": Plain,
	".gz":  Gzip,
	".zst": Zstd,
}

func (f Format) String() string {
	switch f {
	case Plain, Gzip, Zstd:
		return string(f)
	}
	return fmt.Sprintf("unknown_report_format(%s)", string(f))
}

// FormatForPath picks the report format from the extension of path.
func FormatForPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if format, ok := extensionToFormat[ext]; ok {
		return format, nil
	}
	return "", fmt.Errorf("unsupported report file extension %q: must be one of .txt, .log, .tsv, .gz or .zst", ext)
}
