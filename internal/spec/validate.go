package spec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi3"
)

// Validate runs the document through kin-openapi. OpenAPI 3 documents are
// loaded (which resolves internal references) and, when strict is set,
// validated against the 3.x rules. Swagger 2 documents are decoded into the
// 2.0 model. Documents declaring neither version pass unchecked.
func Validate(ctx context.Context, data []byte, strict bool) error {
	var head struct {
		OpenAPI string `json:"openapi"`
		Swagger string `json:"swagger"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode spec header: %w", err)
	}

	switch {
	case head.OpenAPI != "":
		loader := openapi3.NewLoader()
		loader.IsExternalRefsAllowed = false
		loader.Context = ctx
		doc, err := loader.LoadFromData(data)
		if err != nil {
			return fmt.Errorf("load openapi %s: %w", head.OpenAPI, err)
		}
		if strict {
			if err := doc.Validate(ctx); err != nil {
				return fmt.Errorf("validate openapi %s: %w", head.OpenAPI, err)
			}
		}
	case head.Swagger != "":
		var doc openapi2.T
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("load swagger %s: %w", head.Swagger, err)
		}
		if strict && doc.Swagger != "2.0" {
			return fmt.Errorf("unsupported swagger version %q", doc.Swagger)
		}
	}
	return nil
}
