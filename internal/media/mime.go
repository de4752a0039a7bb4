package media

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// GenericExtension is used when the MIME type is missing or unknown.
const GenericExtension = ".bin"

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",

	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/aac":   ".aac",
	"audio/amr":   ".amr",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".weba",

	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",

	"application/pdf":               ".pdf",
	"application/msword":            ".doc",
	"application/vnd.ms-excel":      ".xls",
	"application/vnd.ms-powerpoint": ".ppt",
	"application/zip":               ".zip",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",

	"text/plain":   ".txt",
	"text/csv":     ".csv",
	"text/vcard":   ".vcf",
	"text/x-vcard": ".vcf",
}

// NormalizeMIME lowercases and strips parameters ("audio/ogg; codecs=opus" -> "audio/ogg").
func NormalizeMIME(m string) string {
	base, _, _ := strings.Cut(m, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// ExtensionFor maps a MIME type to a file extension. ok is false for the generic fallback.
func ExtensionFor(mimeType string) (ext string, ok bool) {
	if ext, ok := extensions[NormalizeMIME(mimeType)]; ok {
		return ext, true
	}
	return GenericExtension, false
}

// resolveMIME prefers the declared type; missing or opaque types are sniffed from the bytes.
func resolveMIME(declared string, data []byte) string {
	m := NormalizeMIME(declared)
	if m != "" && m != "application/octet-stream" {
		return m
	}
	sniffed := NormalizeMIME(mimetype.Detect(data).String())
	if sniffed == "" {
		return "application/octet-stream"
	}
	return sniffed
}
