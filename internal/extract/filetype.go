package extract

import (
	"path/filepath"
	"strings"
)

// FileType is the closed set of upload formats the pipeline understands.
type FileType int

const (
	Unsupported FileType = iota
	PDF
	DOCX
	PPTX
	Image
	CSV
	HTML
	Text
	Markdown
)

func (t FileType) String() string {
	switch t {
	case PDF:
		return "pdf"
	case DOCX:
		return "docx"
	case PPTX:
		return "pptx"
	case Image:
		return "image"
	case CSV:
		return "csv"
	case HTML:
		return "html"
	case Text:
		return "txt"
	case Markdown:
		return "md"
	case Unsupported:
		return "unsupported"
	}
	return "unsupported"
}

// ParseFileType is the inverse of FileType.String.
func ParseFileType(s string) FileType {
	for _, t := range []FileType{PDF, DOCX, PPTX, Image, CSV, HTML, Text, Markdown} {
		if t.String() == s {
			return t
		}
	}
	return Unsupported
}

// DetectFileType classifies a file by its extension.
func DetectFileType(filename string) FileType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return PDF
	case ".docx":
		return DOCX
	case ".pptx":
		return PPTX
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp", ".avif":
		return Image
	case ".csv":
		return CSV
	case ".html", ".htm":
		return HTML
	case ".txt":
		return Text
	case ".md", ".markdown":
		return Markdown
	}
	return Unsupported
}

// SupportedExtensions lists every accepted extension, for error messages.
func SupportedExtensions() []string {
	return []string{
		".pdf", ".docx", ".pptx",
		".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp", ".avif",
		".csv", ".html", ".htm", ".txt", ".md", ".markdown",
	}
}
