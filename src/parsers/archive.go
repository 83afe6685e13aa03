package parsers

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/yeka/zip"
)

var zipMagic = []byte("PK\x03\x04")

// IsArchive reports whether data starts with a zip local file header.
func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

func isTabular(name string) bool {
	if strings.HasSuffix(name, "/") || strings.HasPrefix(name, "__MACOSX/") {
		return false
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return true
	}
	return false
}

// OpenArchive returns the single tabular member of a zip archive. Encrypted
// members are tried against each password in order; the first password under
// which the member reads completely wins. Every failure wraps ErrFileUnreadable.
func OpenArchive(data []byte, passwords []string) (member string, content []byte, err error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fmt.Errorf("%w: not a zip archive: %v", ErrFileUnreadable, err)
	}

	var tabular []*zip.File
	for _, f := range zr.File {
		if isTabular(f.Name) {
			tabular = append(tabular, f)
		}
	}
	switch len(tabular) {
	case 0:
		return "", nil, fmt.Errorf("%w: archive has no tabular member", ErrFileUnreadable)
	case 1:
	default:
		return "", nil, fmt.Errorf("%w: archive has %d tabular members, expected one", ErrFileUnreadable, len(tabular))
	}
	f := tabular[0]

	if !f.IsEncrypted() {
		content, err = readMember(f)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", ErrFileUnreadable, f.Name, err)
		}
		return f.Name, content, nil
	}

	if len(passwords) == 0 {
		return "", nil, fmt.Errorf("%w: %s is encrypted and no password is configured", ErrFileUnreadable, f.Name)
	}
	for _, pw := range passwords {
		f.SetPassword(pw)
		if content, err = readMember(f); err == nil {
			return f.Name, content, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s: none of %d passwords matched", ErrFileUnreadable, f.Name, len(passwords))
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
