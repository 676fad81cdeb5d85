// Package tools turns operation descriptors into named, schema-described
// MCP tools. Generation is a pure transformation: identical input always
// produces an identical registry, and a defective operation excludes only
// itself from the build.
package tools

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bobmcallan/opmanager-mcp/internal/catalog"
	"github.com/bobmcallan/opmanager-mcp/internal/client"
	"github.com/bobmcallan/opmanager-mcp/internal/common"
)

// toolPrefix is prepended to every generated tool name.
const toolPrefix = "opmanager"

// reservedFields may never be claimed by an operation parameter: the fixed
// per-call connection fields present in every tool schema (an operation
// parameter with one of these names loses — connection identity always
// wins) plus the queryParams wrapper some automation clients nest their
// arguments under.
var reservedFields = map[string]bool{
	"host":        true,
	"apiKey":      true,
	"port":        true,
	"useSsl":      true,
	"verifySsl":   true,
	"queryParams": true,
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Generate builds a registry from the operation catalog, exposing only
// operations whose method is in allowed. Defective operations are recorded
// and skipped; the rest of the build continues.
func Generate(ops []catalog.Operation, allowed []string, logger *common.Logger) *Registry {
	allowedSet := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		allowedSet[strings.ToUpper(m)] = true
	}

	reg := newRegistry()
	for _, op := range ops {
		if !allowedSet[op.Method] {
			continue
		}
		tool, err := buildTool(op, logger)
		if err != nil {
			reg.recordSkip(op, err.Error())
			logger.Warn().
				Str("method", op.Method).
				Str("path", op.Path).
				Str("reason", err.Error()).
				Msg("skipping operation")
			continue
		}

		name := deriveName(op)
		// Duplicate method+path entries collide even after the hash, so
		// keep extending until the name is free.
		for reg.has(name) {
			name = name + "_" + shortHash(op.Method, op.Path)
		}
		tool.Definition.Name = name
		reg.add(name, tool)
	}

	logger.Info().
		Int("tools", reg.Len()).
		Int("skipped", len(reg.Skipped())).
		Msg("tool registry built")

	return reg
}

// buildTool compiles one operation into a definition plus invoker.
func buildTool(op catalog.Operation, logger *common.Logger) (Tool, error) {
	if op.Malformed || op.Method == "" || op.Path == "" {
		return Tool{}, fmt.Errorf("malformed operation descriptor")
	}

	params := make([]client.Param, 0, len(op.Parameters))
	declared := make(map[string]bool, len(op.Parameters))
	for _, p := range op.Parameters {
		if reservedFields[p.Name] {
			logger.Warn().
				Str("path", op.Path).
				Str("param", p.Name).
				Msg("operation parameter shadows a reserved field, dropping")
			continue
		}
		switch p.In {
		case catalog.InPath, catalog.InQuery, catalog.InBody:
		default:
			return Tool{}, fmt.Errorf("unsupported parameter location %q for %s", p.In, p.Name)
		}
		required := p.Required
		if p.In == catalog.InPath {
			// A path value is structurally mandatory regardless of the
			// document's required flag.
			required = true
		}
		declared[p.Name] = true
		params = append(params, client.Param{
			Name:     p.Name,
			In:       p.In,
			Type:     p.Type,
			Required: required,
			Enum:     p.Enum,
		})
	}

	// Every placeholder in the path template must be satisfiable.
	for _, match := range placeholderRe.FindAllStringSubmatch(op.Path, -1) {
		if !declared[match[1]] {
			return Tool{}, fmt.Errorf("unsatisfied path placeholder {%s}", match[1])
		}
	}

	return Tool{
		Definition: buildDefinition(op),
		Invoker: client.Invoker{
			Method: op.Method,
			Path:   op.Path,
			Params: params,
		},
	}, nil
}

// buildDefinition assembles the tool's input schema: the fixed connection
// fields first, then the operation's own parameters.
func buildDefinition(op catalog.Operation) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(describe(op)),
		mcp.WithString("host", mcp.Required(),
			mcp.Description("OpManager host, e.g. opmanager.example.com")),
		mcp.WithString("apiKey", mcp.Required(),
			mcp.Description("OpManager REST API key, sent as a request header on this call only")),
		mcp.WithNumber("port",
			mcp.Description("OpManager port (default 8060; 8061 implies HTTPS)")),
		mcp.WithBoolean("useSsl",
			mcp.Description("Use HTTPS. Auto-detected from port 8060/8061 when omitted")),
		mcp.WithBoolean("verifySsl",
			mcp.Description("Verify the upstream TLS certificate (default true)")),
	}

	for _, p := range op.Parameters {
		if reservedFields[p.Name] {
			continue
		}
		if p.In != catalog.InPath && p.In != catalog.InQuery && p.In != catalog.InBody {
			continue
		}
		opts = append(opts, paramOption(p))
	}

	// The final name is assigned by Generate after collision resolution.
	return mcp.NewTool("", opts...)
}

// paramOption maps one catalog parameter to the matching mcp-go option.
func paramOption(p catalog.Parameter) mcp.ToolOption {
	var opts []mcp.PropertyOption
	if p.Description != "" {
		opts = append(opts, mcp.Description(p.Description))
	}
	if p.Required || p.In == catalog.InPath {
		opts = append(opts, mcp.Required())
	}
	if len(p.Enum) > 0 {
		opts = append(opts, mcp.Enum(p.Enum...))
	}

	switch p.Type {
	case "integer", "number":
		return mcp.WithNumber(p.Name, opts...)
	case "boolean":
		return mcp.WithBoolean(p.Name, opts...)
	case "array":
		opts = append([]mcp.PropertyOption{mcp.WithStringItems()}, opts...)
		return mcp.WithArray(p.Name, opts...)
	default:
		// string, object, or unknown — all passed as string
		return mcp.WithString(p.Name, opts...)
	}
}

func describe(op catalog.Operation) string {
	desc := op.Summary
	if desc == "" {
		desc = op.Description
	}
	if desc == "" {
		desc = fmt.Sprintf("Invoke %s %s", op.Method, op.Path)
	}
	if len(op.Tags) > 0 {
		desc = fmt.Sprintf("[%s] %s", op.Tags[0], desc)
	}
	return desc
}

// deriveName builds a deterministic tool name from the path: segments after
// /api/json, lowercased, placeholders dropped, joined with underscores.
// /api/json/device/listDevices -> opmanager_device_listdevices
func deriveName(op catalog.Operation) string {
	trimmed := strings.TrimPrefix(op.Path, "/api/json")
	parts := []string{toolPrefix}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" || strings.HasPrefix(seg, "{") {
			continue
		}
		parts = append(parts, strings.ToLower(sanitize(seg)))
	}
	if len(parts) == 1 {
		if op.OperationID != "" {
			parts = append(parts, strings.ToLower(sanitize(op.OperationID)))
		} else {
			parts = append(parts, strings.ToLower(op.Method))
		}
	}
	return strings.Join(parts, "_")
}

// sanitize keeps tool names within the [a-z0-9_-] charset MCP clients expect.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// shortHash disambiguates colliding names with a stable digest of the
// operation identity.
func shortHash(method, path string) string {
	h := fnv.New32a()
	h.Write([]byte(method))
	h.Write([]byte(" "))
	h.Write([]byte(path))
	return fmt.Sprintf("%08x", h.Sum32())[:6]
}
