package template

import (
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// Parse decodes a declarative template document. It does not validate
// vocabulary/contracts; call Validate on the result before compiling.
func Parse(data []byte) (*Doc, error) {
	var doc Doc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schederr.Validation("parse template yaml", err)
	}
	if doc.TemplateID == "" {
		return nil, schederr.Validation("template missing template_id", nil)
	}
	if len(doc.Nodes) == 0 {
		return nil, schederr.Validation(fmt.Sprintf("template %s declares no nodes", doc.TemplateID), nil)
	}
	return &doc, nil
}
