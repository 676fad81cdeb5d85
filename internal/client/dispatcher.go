// Package client dispatches tool invocations as outbound OpManager API
// requests. Every invocation carries its own connection parameters; nothing
// in this package holds a host or API key beyond one call's stack.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bobmcallan/opmanager-mcp/internal/common"
)

// maxResponseSize caps the response body to prevent OOM from unexpectedly
// large responses.
const maxResponseSize = 50 << 20 // 50MB

// maxErrorExcerpt bounds the upstream body excerpt carried in errors.
const maxErrorExcerpt = 1024

// Param describes one operation argument the dispatcher validates and
// places into the outbound request.
type Param struct {
	Name     string
	In       string // path, query, body
	Type     string // string, integer, number, boolean, array
	Required bool
	Enum     []string
}

// Invoker binds one upstream operation: method, path template, and the
// parameters callers may supply. It is stateless and safe for concurrent use.
type Invoker struct {
	Method string
	Path   string
	Params []Param
}

// ConnectionParams is the per-call connection identity. It is resolved
// fresh from the arguments of every invocation and never stored.
type ConnectionParams struct {
	Host      string
	APIKey    string
	Port      int
	UseSSL    bool
	VerifySSL bool
}

// Dispatcher executes one outbound HTTP request per invocation. The two
// underlying transports (verified and insecure TLS) are shared across calls
// for connection reuse; neither carries any credential state.
type Dispatcher struct {
	timeout  time.Duration
	logger   *common.Logger
	verified *http.Client
	insecure *http.Client
}

// NewDispatcher creates a dispatcher with the given per-request timeout.
func NewDispatcher(timeout time.Duration, logger *common.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &Dispatcher{
		timeout:  timeout,
		logger:   logger,
		verified: &http.Client{},
		insecure: &http.Client{Transport: insecureTransport},
	}
}

// Invoke validates args against the invoker's parameters, resolves the
// connection, and executes the operation. GET operations are retried exactly
// once on a transport-level failure; a received response is never retried.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invoker, args map[string]any) (any, error) {
	conn, err := resolveConnection(args)
	if err != nil {
		return nil, err
	}

	path, query, body, err := partitionArgs(inv, args)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if conn.UseSSL {
		scheme = "https"
	}
	target := fmt.Sprintf("%s://%s:%d%s", scheme, conn.Host, conn.Port, path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	httpc := d.verified
	if !conn.VerifySSL {
		httpc = d.insecure
	}

	attempts := 1
	if inv.Method == http.MethodGet {
		attempts = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, retryable, err := d.execute(ctx, httpc, inv.Method, target, body, conn.APIKey, path)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
		if attempt < attempts {
			d.logger.Warn().
				Str("method", inv.Method).
				Str("path", path).
				Str("error", err.Error()).
				Msg("transport failure, retrying once")
		}
	}
	return nil, lastErr
}

// execute performs one attempt. retryable is true only for transport-level
// failures where no response was received.
func (d *Dispatcher) execute(ctx context.Context, httpc *http.Client, method, target string, body map[string]any, apiKey, path string) (any, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(body) > 0 {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, false, &ValidationError{Reason: fmt.Sprintf("arguments not serializable: %v", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, target, bodyReader)
	if err != nil {
		return nil, false, &ValidationError{Reason: fmt.Sprintf("cannot build request: %v", err)}
	}
	req.Header.Set("apiKey", apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	d.logger.Debug().Str("method", method).Str("path", path).Msg("dispatch request")

	start := time.Now()
	resp, err := httpc.Do(req)
	duration := time.Since(start)
	if err != nil {
		terr := categorizeTransport(err)
		d.logger.Error().
			Str("method", method).
			Str("path", path).
			Str("cause", terr.Cause).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("dispatch failed")
		return nil, true, terr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		// A response was received; the operation executed. A failure while
		// draining the body is never grounds for a re-send.
		return nil, false, &TransportError{Cause: CauseConnection, Err: err}
	}

	d.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int64("duration_ms", duration.Milliseconds()).
		Msg("dispatch response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), maxErrorExcerpt),
		}
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Upstream occasionally answers with plain text; pass it through.
		return map[string]any{"raw_response": string(raw)}, false, nil
	}
	return payload, false, nil
}

// resolveConnection extracts and validates the connection parameters from
// caller arguments. Scheme resolution: an explicit useSsl wins; otherwise
// port 8061 means HTTPS and 8060 means HTTP, and any other port without an
// explicit useSsl is rejected as ambiguous.
func resolveConnection(args map[string]any) (ConnectionParams, error) {
	conn := ConnectionParams{Port: 8060, VerifySSL: true}

	host, ok := stringValue(args["host"])
	if !ok || host == "" {
		return conn, &ValidationError{Reason: "host is required"}
	}
	conn.Host = host

	apiKey, ok := stringValue(args["apiKey"])
	if !ok || apiKey == "" {
		return conn, &ValidationError{Reason: "apiKey is required"}
	}
	conn.APIKey = apiKey

	if v, present := args["port"]; present && v != nil {
		port, ok := intValue(v)
		if !ok || port < 1 || port > 65535 {
			return conn, &ValidationError{Reason: fmt.Sprintf("port must be an integer between 1 and 65535, got %v", v)}
		}
		conn.Port = port
	}

	if v, present := args["useSsl"]; present && v != nil {
		useSSL, ok := boolValue(v)
		if !ok {
			return conn, &ValidationError{Reason: fmt.Sprintf("useSsl must be a boolean, got %v", v)}
		}
		conn.UseSSL = useSSL
	} else {
		switch conn.Port {
		case 8061:
			conn.UseSSL = true
		case 8060:
			conn.UseSSL = false
		default:
			return conn, &ValidationError{Reason: fmt.Sprintf("port %d is ambiguous: set useSsl explicitly", conn.Port)}
		}
	}

	if v, present := args["verifySsl"]; present && v != nil {
		verify, ok := boolValue(v)
		if !ok {
			return conn, &ValidationError{Reason: fmt.Sprintf("verifySsl must be a boolean, got %v", v)}
		}
		conn.VerifySSL = verify
	}

	return conn, nil
}

// partitionArgs validates operation arguments and splits them by location:
// path values substituted into the template, query values URL-encoded, body
// values collected into one JSON object. Absent optional values are omitted
// entirely, never sent as empty placeholders.
func partitionArgs(inv Invoker, args map[string]any) (string, url.Values, map[string]any, error) {
	args = mergeNestedQuery(inv, args)

	path := inv.Path
	query := url.Values{}
	body := map[string]any{}

	for _, p := range inv.Params {
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Required {
				return "", nil, nil, &ValidationError{Reason: fmt.Sprintf("%s is required", p.Name)}
			}
			continue
		}

		val, err := coerce(raw, p)
		if err != nil {
			return "", nil, nil, err
		}

		switch p.In {
		case InPath:
			str := fmt.Sprint(val)
			if str == "" {
				return "", nil, nil, &ValidationError{Reason: fmt.Sprintf("%s is required", p.Name)}
			}
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(str))
		case InQuery:
			str := queryString(val)
			if str != "" {
				query.Set(p.Name, str)
			}
		case InBody:
			body[p.Name] = val
		}
	}

	if i := strings.IndexByte(path, '{'); i >= 0 {
		return "", nil, nil, &ValidationError{Reason: fmt.Sprintf("path placeholder unresolved in %s", path)}
	}

	return path, query, body, nil
}

// mergeNestedQuery folds a caller-supplied queryParams object into the
// argument map. Some automation clients nest operation arguments under a
// queryParams wrapper; only declared parameter names are taken, and a nested
// value overrides a top-level one. Anything else in the wrapper, or a
// wrapper that is not an object, is ignored.
func mergeNestedQuery(inv Invoker, args map[string]any) map[string]any {
	nested, ok := args["queryParams"].(map[string]any)
	if !ok || len(nested) == 0 {
		return args
	}

	declared := make(map[string]bool, len(inv.Params))
	for _, p := range inv.Params {
		declared[p.Name] = true
	}

	merged := make(map[string]any, len(args)+len(nested))
	for k, v := range args {
		merged[k] = v
	}
	for k, v := range nested {
		if v == nil || !declared[k] {
			continue
		}
		merged[k] = v
	}
	return merged
}

// Parameter locations, mirrored from the catalog package to keep this
// package free of upward imports.
const (
	InPath  = "path"
	InQuery = "query"
	InBody  = "body"
)

// coerce checks the declared type and enum membership, converting the
// loosely-typed JSON value where the conversion is unambiguous.
func coerce(raw any, p Param) (any, error) {
	if len(p.Enum) > 0 {
		str := fmt.Sprint(raw)
		for _, allowed := range p.Enum {
			if str == allowed {
				return allowed, nil
			}
		}
		return nil, &ValidationError{Reason: fmt.Sprintf("%s must be one of %v, got %q", p.Name, p.Enum, str)}
	}

	switch p.Type {
	case "integer":
		n, ok := intValue(raw)
		if !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s must be an integer, got %v", p.Name, raw)}
		}
		return n, nil
	case "number":
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &ValidationError{Reason: fmt.Sprintf("%s must be a number, got %q", p.Name, v)}
			}
			return f, nil
		}
		return nil, &ValidationError{Reason: fmt.Sprintf("%s must be a number, got %v", p.Name, raw)}
	case "boolean":
		b, ok := boolValue(raw)
		if !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s must be a boolean, got %v", p.Name, raw)}
		}
		return b, nil
	case "array":
		if _, ok := raw.([]any); !ok {
			if _, ok := raw.(string); !ok {
				return nil, &ValidationError{Reason: fmt.Sprintf("%s must be an array, got %v", p.Name, raw)}
			}
		}
		return raw, nil
	default:
		str, ok := stringValue(raw)
		if !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s must be a string, got %v", p.Name, raw)}
		}
		return str, nil
	}
}

// queryString renders a coerced value for the query string. Arrays are
// joined with commas, the upstream API's list convention.
func queryString(val any) string {
	if items, ok := val.([]any); ok {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(val)
}

// categorizeTransport maps a request error to a TransportError cause.
func categorizeTransport(err error) *TransportError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TransportError{Cause: CauseTimeout, Err: err}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &TransportError{Cause: CauseTLSVerification, Err: err}
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return &TransportError{Cause: CauseTLSVerification, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Cause: CauseDNS, Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &TransportError{Cause: CauseConnectionRefused, Err: err}
	}

	return &TransportError{Cause: CauseConnection, Err: err}
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	case float64, int, int64, bool:
		return fmt.Sprint(s), true
	}
	return "", false
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func boolValue(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
