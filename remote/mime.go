package remote

import (
	"path"
	"strings"
)

// nativeDocPrefix marks Google-native document types, which cannot be
// downloaded as stored and must either be exported or skipped.
const nativeDocPrefix = "application/vnd.google-apps"

// FolderMimeType is the MIME type the remote reports for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// ExportFormat describes how a remote-native document is materialized on
// disk: the MIME type requested from the export endpoint and the file-name
// extension appended to the archive member.
type ExportFormat struct {
	Mime      string
	Extension string
}

// exportFormats is the fixed translation table for remote-native documents.
var exportFormats = map[string]ExportFormat{
	"application/vnd.google-apps.document": {
		Mime:      "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Extension: ".docx",
	},
	"application/vnd.google-apps.spreadsheet": {
		Mime:      "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Extension: ".xlsx",
	},
	"application/vnd.google-apps.presentation": {
		Mime:      "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		Extension: ".pptx",
	},
	"application/vnd.google-apps.drawing": {
		Mime:      "image/png",
		Extension: ".png",
	},
}

// ExportFormatFor returns the export translation for a remote MIME type.
// ok is false when the type has no translation.
func ExportFormatFor(mimeType string) (f ExportFormat, ok bool) {
	f, ok = exportFormats[mimeType]
	return f, ok
}

// IsNativeDoc reports whether mimeType names a remote-native document. A
// native document without an export translation is unsupported and skipped.
func IsNativeDoc(mimeType string) bool {
	return strings.HasPrefix(mimeType, nativeDocPrefix)
}

// extensionToMime maps file-name extensions to upload MIME types.
var extensionToMime = map[string]string{
	".bmp":  "image/bmp",
	".csv":  "text/csv",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".epub": "application/epub+zip",
	".html": "text/html",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".json": "application/json",
	".md":   "text/markdown",
	".odp":  "application/vnd.oasis.opendocument.presentation",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odt":  "application/vnd.oasis.opendocument.text",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".rtf":  "application/rtf",
	".svg":  "image/svg+xml",
	".tsv":  "text/tab-separated-values",
	".txt":  "text/plain",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".zip":  "application/zip",
}

// UploadMimeType derives the MIME type for uploading a file from its name.
// Unknown extensions upload as application/octet-stream.
func UploadMimeType(name string) string {
	if mime, ok := extensionToMime[strings.ToLower(path.Ext(name))]; ok {
		return mime
	}
	return "application/octet-stream"
}
