package httpconn

import "strings"

// mimeTable maps file extensions to Content-Type values per spec.md §6.
var mimeTable = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".pdf":  "application/pdf",
}

const defaultMimeType = "application/octet-stream"

// MimeType returns the Content-Type for a file extension (including
// the leading dot), defaulting to application/octet-stream.
func MimeType(ext string) string {
	if t, ok := mimeTable[strings.ToLower(ext)]; ok {
		return t
	}
	return defaultMimeType
}
