package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	// textProbePages is how many leading pages decide whether a PDF is text-native.
	textProbePages = 3
	// textProbeMinChars is the text needed across the probed pages.
	textProbeMinChars = 50
	// imageDominatedChars is the per-page text average below which a PDF
	// carrying image streams is sent to OCR anyway.
	imageDominatedChars = 200
)

// pdfLayout summarises a PDF's structure as seen by pdfcpu.
type pdfLayout struct {
	PageCount int
	HasImages bool
}

// inspectPDF reads page count and image presence. Errors are returned for
// the caller to log; the text layer can still be tried.
func inspectPDF(data []byte) (pdfLayout, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return pdfLayout{}, fmt.Errorf("pdfcpu read: %w", err)
	}
	return pdfLayout{PageCount: ctx.PageCount, HasImages: hasImageStreams(ctx)}, nil
}

func hasImageStreams(ctx *model.Context) bool {
	if ctx.Optimize != nil {
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfTextPages returns the plain text layer of every page. The reader
// panics on some malformed files, so panics are turned into errors.
func pdfTextPages(data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("reading pdf text layer: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, strings.TrimSpace(text))
	}
	return pages, nil
}

// isTextNative applies the probe: enough characters in the first pages,
// and not an image-dominated scan with a thin OCR layer.
func isTextNative(pages []string, layout pdfLayout) bool {
	probe := 0
	for i := 0; i < len(pages) && i < textProbePages; i++ {
		probe += len([]rune(strings.TrimSpace(pages[i])))
	}
	if probe <= textProbeMinChars {
		return false
	}
	if layout.HasImages && len(pages) > 0 {
		total := 0
		for _, p := range pages {
			total += len([]rune(p))
		}
		if total/len(pages) < imageDominatedChars {
			return false
		}
	}
	return true
}
