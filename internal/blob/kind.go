package blob

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MediaKind drives which preview strategy a file gets.
type MediaKind string

const (
	KindPDF   MediaKind = "pdf"
	KindJSON  MediaKind = "json"
	KindXML   MediaKind = "xml"
	KindOther MediaKind = "other"
)

// KindFromContentType maps a declared content type to a media kind.
// Parameters such as charset are ignored. Unknown types yield KindOther.
func KindFromContentType(contentType string) MediaKind {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "application/pdf":
		return KindPDF
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return KindJSON
	case mediaType == "application/xml", mediaType == "text/xml", strings.HasSuffix(mediaType, "+xml"):
		return KindXML
	default:
		return KindOther
	}
}

// KindFromFileName classifies by filename suffix.
func KindFromFileName(name string) MediaKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".json":
		return KindJSON
	case ".xml":
		return KindXML
	default:
		return KindOther
	}
}

// DetectKind classifies a file from its declared content type, then its
// filename suffix and finally by sniffing the bytes. The returned content type
// is the best known one for serving the bytes back.
func DetectKind(contentType, fileName string, data []byte) (MediaKind, string) {
	if kind := KindFromContentType(contentType); kind != KindOther {
		return kind, contentType
	}
	if kind := KindFromFileName(fileName); kind != KindOther {
		byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
		if byExt == "" {
			byExt = contentType
		}
		return kind, byExt
	}
	if isGeneric(contentType) && len(data) > 0 {
		sniffed := mimetype.Detect(data)
		if kind := KindFromContentType(sniffed.String()); kind != KindOther {
			return kind, sniffed.String()
		}
		if contentType == "" {
			return KindOther, sniffed.String()
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return KindOther, contentType
}

func isGeneric(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	switch mediaType {
	case "application/octet-stream", "binary/octet-stream", "application/download", "text/plain":
		return true
	}
	return false
}
