package artifact

import (
	"path"
	"regexp"
	"strings"
)

// File names inside a document folder and at the case root.
const (
	ExtractionFile = "full_text_extraction.txt"
	MetadataFile   = "document_summary.json"
	ManifestFile   = "manifest.json"

	// OriginalDir keeps uploaded bytes apart from derived files, so an
	// upload can never share a name with its own extraction or record.
	OriginalDir = "original"
)

const maxSlugLen = 200

var (
	slugInvalid    = regexp.MustCompile(`[^a-z0-9_-]+`)
	slugUnderscore = regexp.MustCompile(`_+`)
)

// FolderName derives a stable, collision-free folder for a document from
// its original filename and id.
func FolderName(filename, documentID string) string {
	stem := SafeFilename(filename)
	if ext := path.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	slug := strings.ToLower(stem)
	slug = slugInvalid.ReplaceAllString(slug, "_")
	slug = slugUnderscore.ReplaceAllString(slug, "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
	}
	if slug == "" {
		slug = "document"
	}

	suffix := strings.ReplaceAll(documentID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		return slug
	}
	return slug + "_" + suffix
}

// SafeFilename strips any directory part from an uploaded filename.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return "document"
	}
	return name
}

// DocumentDir is the folder holding every artifact of one document.
func DocumentDir(folder string) string {
	return "documents/" + folder
}

// OriginalPath is where the uploaded bytes live.
func OriginalPath(folder, filename string) string {
	return DocumentDir(folder) + "/" + OriginalDir + "/" + SafeFilename(filename)
}

// ExtractionPath is where the extracted text lives.
func ExtractionPath(folder string) string {
	return DocumentDir(folder) + "/" + ExtractionFile
}

// MetadataPath is where the analysis record lives.
func MetadataPath(folder string) string {
	return DocumentDir(folder) + "/" + MetadataFile
}
