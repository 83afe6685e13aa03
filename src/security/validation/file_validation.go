package validation

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/samruddhi/portfolio-sync/backend/src/logger"
)

const (
	ContentTypeZip  = "application/zip"
	ContentTypeText = "text/plain"
)

var zipMagic = []byte("PK\x03\x04")

// isBinaryContent checks if a buffer contains binary control characters (like null bytes)
// which indicate the file is likely not a valid text-based CSV.
func isBinaryContent(buf []byte) bool {
	if bytes.IndexByte(buf, 0) != -1 {
		return true
	}
	// The buffer may end in the middle of a multi-byte rune.
	for i := 0; i < utf8.UTFMax && len(buf) > 0; i++ {
		if utf8.Valid(buf) {
			return false
		}
		buf = buf[:len(buf)-1]
	}
	return !utf8.Valid(buf)
}

// ValidateFileContentByMagicBytes inspects the head of an upload and returns
// ContentTypeZip for zip archives or ContentTypeText for CSV and delimited
// text. Anything else is rejected. The reader is rewound before returning.
func ValidateFileContentByMagicBytes(file io.ReadSeeker) (string, error) {
	if file == nil {
		return "", fmt.Errorf("file is nil")
	}

	buffer := make([]byte, 1024)
	n, err := io.ReadFull(file, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("failed to read file for content type checking: %w", err)
	}
	if _, seekErr := file.Seek(0, io.SeekStart); seekErr != nil {
		return "", fmt.Errorf("failed to reset file read pointer: %w", seekErr)
	}
	if n == 0 {
		return "", fmt.Errorf("file is empty")
	}
	head := buffer[:n]

	if bytes.HasPrefix(head, zipMagic) {
		return ContentTypeZip, nil
	}

	if isBinaryContent(head) {
		logger.L.Warn("File rejected: binary content detected in text upload")
		return "application/octet-stream", fmt.Errorf("file appears to be binary, not a zip archive or CSV")
	}

	detected := strings.ToLower(strings.Split(http.DetectContentType(head), ";")[0])
	switch detected {
	case "text/plain", "text/csv", "application/csv":
		return ContentTypeText, nil
	default:
		logger.L.Warn("Disallowed detected file content type", "detectedContentType", detected)
		return detected, fmt.Errorf("detected file content type '%s' is not allowed", detected)
	}
}
