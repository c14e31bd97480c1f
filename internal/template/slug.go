package template

import (
	"strings"

	"github.com/gosimple/slug"
)

// deriveSlug implements the "plan title slugification" supplemented
// feature: when a template declares a param with derived_from pointing at
// another param, and the operator did not supply that param explicitly,
// the first line of the source value is slugified to become it.
func deriveSlug(doc *Doc, params map[string]any) {
	for name, spec := range doc.Params {
		if spec.DerivedFrom == "" {
			continue
		}
		if _, already := params[name]; already {
			continue
		}
		source, ok := params[spec.DerivedFrom].(string)
		if !ok || source == "" {
			continue
		}
		firstLine := source
		if idx := strings.IndexByte(source, '\n'); idx >= 0 {
			firstLine = source[:idx]
		}
		params[name] = slug.Make(firstLine)
	}
}
