// Package api carries the OpenAPI document the server publishes at
// /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 description of the HTTP API, verbatim.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
