package artifact

import (
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// DetectContentType resolves a content type from the file extension,
// falling back to sniffing the file's leading bytes.
func DetectContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}

	f, err := os.Open(path)
	if err != nil {
		return defaultContentType
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil || mt == nil {
		return defaultContentType
	}
	return mt.String()
}
