package blob

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMimeType is used when nothing better is known.
const DefaultMimeType = "application/octet-stream"

// Historically wrong types, mostly coming from the Windows registry.
var patchedMimeTypes = map[string]string{
	"application/x-javascript":   "application/javascript",
	"application/x-msexcel":      "application/vnd.ms-excel",
	"application/x-mspowerpoint": "application/vnd.ms-powerpoint",
	"application/x-msword":       "application/msword",
	"audio/x-mpg":                "audio/mpeg",
	"image/pjpeg":                "image/jpeg",
	"image/x-png":                "image/png",
	"text/xml":                   "application/xml",
	"video/x-mpeg2a":             "video/mpeg",
}

// GuessMimeType guesses a mimetype from the file name, then from the content.
// It never returns an empty string.
func GuessMimeType(name string, head []byte) string {
	if t := byExtension(name); t != "" {
		return t
	}
	if len(head) > 0 {
		if t := stripParams(mimetype.Detect(head).String()); t != "" {
			return patched(t)
		}
	}
	return DefaultMimeType
}

func byExtension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	return patched(stripParams(mime.TypeByExtension(strings.ToLower(ext))))
}

func stripParams(t string) string {
	if t == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mediaType
}

func patched(t string) string {
	if fixed, ok := patchedMimeTypes[t]; ok {
		return fixed
	}
	return t
}
