// Package docs embeds the OpenAPI document served at /v1/docs.
package docs

import _ "embed"

//go:embed openapi.yaml
var OpenAPIYAML []byte
