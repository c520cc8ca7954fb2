// Package filters maps conversion format pairs to the export filter
// names the document service understands.
package filters

import (
	"fmt"
	"strings"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// defaultFilters maps target formats to the service's export filter
// names.
var defaultFilters = map[string]string{
	"txt":  "Text",
	"pdf":  "writer_pdf_Export",
	"docx": "MS Word 2007 XML",
	"pptx": "Impress MS PowerPoint 2007 XML",
	"xlsx": "Calc MS Excel 2007 XML",
	"odt":  "writer8",
	"html": "HTML (StarWriter)",
}

// defaultSources lists the source formats the service can load.
var defaultSources = []string{
	"doc", "docx", "odt", "rtf", "txt", "wps",
	"ppt", "pptx", "odp",
	"xls", "xlsx", "ods", "csv",
	"html", "epub",
}

// Resolver resolves a format pair to an export filter name.
type Resolver struct {
	filters map[string]string
	sources map[string]bool
}

// New creates a Resolver with the built-in tables. Entries in overrides
// replace or extend the target filter table; a target mapped to the
// empty string is removed.
func New(overrides map[string]string) *Resolver {
	r := &Resolver{
		filters: make(map[string]string, len(defaultFilters)),
		sources: make(map[string]bool, len(defaultSources)),
	}
	for target, filter := range defaultFilters {
		r.filters[target] = filter
	}
	for _, src := range defaultSources {
		r.sources[src] = true
	}
	for target, filter := range overrides {
		target = normalize(target)
		if filter == "" {
			delete(r.filters, target)
			continue
		}
		r.filters[target] = filter
	}
	return r
}

// Resolve returns the export filter for converting sourceFormat to
// targetFormat. Unknown formats fail with an input validation error
// before any instance is touched.
func (r *Resolver) Resolve(sourceFormat, targetFormat string) (string, error) {
	src := normalize(sourceFormat)
	tgt := normalize(targetFormat)
	if src == "" || !r.sources[src] {
		return "", models.NewError(models.ErrInputInvalid,
			fmt.Sprintf("unsupported source format %q", sourceFormat))
	}
	filter, ok := r.filters[tgt]
	if !ok {
		return "", models.NewError(models.ErrInputInvalid,
			fmt.Sprintf("unsupported target format %q", targetFormat))
	}
	if src == tgt {
		return "", models.NewError(models.ErrInputInvalid,
			fmt.Sprintf("source and target format are both %q", src))
	}
	return filter, nil
}

func normalize(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
