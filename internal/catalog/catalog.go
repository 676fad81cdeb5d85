// Package catalog loads an OpenAPI 3 document and flattens it into an
// ordered list of operation descriptors. Only the shapes the tool generator
// consumes are decoded; everything else in the document is ignored.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Parameter locations understood by the tool generator.
const (
	InPath  = "path"
	InQuery = "query"
	InBody  = "body"
)

// Parameter describes one parameter of an upstream operation and where its
// value must be placed in the outbound request.
type Parameter struct {
	Name        string
	In          string
	Type        string
	Required    bool
	Description string
	Enum        []string
}

// Operation is the structural description of one upstream API operation.
// Immutable once loaded.
type Operation struct {
	Method      string
	Path        string
	OperationID string
	Summary     string
	Description string
	Tags        []string
	Parameters  []Parameter

	// Malformed marks an operation whose document entry could not be
	// decoded. The generator records it as skipped.
	Malformed bool
}

// methodOrder fixes the iteration order of methods within one path so that
// identical documents always produce identical operation sequences.
var methodOrder = []string{"get", "post", "put", "patch", "delete"}

type document struct {
	OpenAPI string                     `json:"openapi"`
	Info    struct{ Title string }     `json:"info"`
	Paths   map[string]map[string]json.RawMessage `json:"paths"`
}

type operationObject struct {
	OperationID string            `json:"operationId"`
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Parameters  []parameterObject `json:"parameters"`
	RequestBody *requestBody      `json:"requestBody"`
}

type parameterObject struct {
	Name        string        `json:"name"`
	In          string        `json:"in"`
	Required    bool          `json:"required"`
	Description string        `json:"description"`
	Schema      *schemaObject `json:"schema"`
}

type requestBody struct {
	Required bool                     `json:"required"`
	Content  map[string]mediaTypeBody `json:"content"`
}

type mediaTypeBody struct {
	Schema *schemaObject `json:"schema"`
}

type schemaObject struct {
	Type        string                   `json:"type"`
	Description string                   `json:"description"`
	Enum        []any                    `json:"enum"`
	Properties  map[string]*schemaObject `json:"properties"`
	Required    []string                 `json:"required"`
}

// Load reads and parses an OpenAPI document from disk.
func Load(path string) ([]Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAPI document %s: %w", path, err)
	}
	ops, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document %s: %w", path, err)
	}
	return ops, nil
}

// Parse flattens an OpenAPI document into ordered operation descriptors.
// A document without a paths object is malformed as a whole; individual
// operations that fail to decode are carried as empty descriptors so the
// generator can skip them with a recorded reason instead of aborting.
func Parse(data []byte) ([]Operation, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("document has no paths")
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var ops []Operation
	for _, path := range paths {
		item := doc.Paths[path]
		for _, method := range methodOrder {
			raw, ok := item[method]
			if !ok {
				continue
			}
			var obj operationObject
			if err := json.Unmarshal(raw, &obj); err != nil {
				// Malformed single operation: keep a placeholder so the
				// generator records the skip.
				ops = append(ops, Operation{Method: normalizeMethod(method), Path: path, Malformed: true})
				continue
			}
			ops = append(ops, buildOperation(method, path, obj))
		}
	}
	return ops, nil
}

func buildOperation(method, path string, obj operationObject) Operation {
	op := Operation{
		Method:      normalizeMethod(method),
		Path:        path,
		OperationID: obj.OperationID,
		Summary:     obj.Summary,
		Description: obj.Description,
		Tags:        obj.Tags,
	}

	for _, p := range obj.Parameters {
		param := Parameter{
			Name:        p.Name,
			In:          p.In,
			Type:        "string",
			Required:    p.Required,
			Description: p.Description,
		}
		if p.Schema != nil {
			if p.Schema.Type != "" {
				param.Type = p.Schema.Type
			}
			param.Enum = enumStrings(p.Schema.Enum)
			if param.Description == "" {
				param.Description = p.Schema.Description
			}
		}
		op.Parameters = append(op.Parameters, param)
	}

	// Request body properties become body-located parameters.
	if obj.RequestBody != nil {
		if media, ok := obj.RequestBody.Content["application/json"]; ok && media.Schema != nil {
			required := make(map[string]bool, len(media.Schema.Required))
			for _, name := range media.Schema.Required {
				required[name] = true
			}
			names := make([]string, 0, len(media.Schema.Properties))
			for name := range media.Schema.Properties {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				prop := media.Schema.Properties[name]
				param := Parameter{
					Name:        name,
					In:          InBody,
					Type:        "string",
					Required:    obj.RequestBody.Required && required[name],
					Description: prop.Description,
					Enum:        enumStrings(prop.Enum),
				}
				if prop.Type != "" {
					param.Type = prop.Type
				}
				op.Parameters = append(op.Parameters, param)
			}
		}
	}

	return op
}

func normalizeMethod(method string) string {
	switch method {
	case "get":
		return "GET"
	case "post":
		return "POST"
	case "put":
		return "PUT"
	case "patch":
		return "PATCH"
	case "delete":
		return "DELETE"
	}
	return method
}

func enumStrings(values []any) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
