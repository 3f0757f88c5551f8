package nodes

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowcanvas/pkg/schema"
)

const TypeHTTPRequest = "httpRequest"

// HTTPConfig configures the HTTP request node.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestDataSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "get", "post", "put", "patch", "delete", "head", "options"]},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "bodyEncoding": {"type": "string", "enum": ["json", "form", "text"]},
    "sendInput": {"type": "boolean"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer", "basic", "apiKey"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "headerName": {"type": "string"},
        "headerValue": {"type": "string"}
      }
    },
    "timeout": {"type": ["string", "number"]},
    "followRedirects": {"type": "boolean"},
    "tlsSkipVerify": {"type": "boolean"},
    "failOnErrorStatus": {"type": "boolean"}
  }
}`

// HTTPRequestNode performs an HTTP call. Without data.body, POST, PUT and
// PATCH requests send the default input as JSON unless data.sendInput is false.
type HTTPRequestNode struct {
	config HTTPConfig
}

// NewHTTPRequestNode creates a new httpRequest executor.
func NewHTTPRequestNode(cfg HTTPConfig) *HTTPRequestNode {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestNode{config: cfg}
}

func (n *HTTPRequestNode) Type() string { return TypeHTTPRequest }

func (n *HTTPRequestNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Executes an HTTP request with method, headers, query, body, auth and redirect control.",
		DataSchema:  json.RawMessage(httpRequestDataSchema),
	}
}

func (n *HTTPRequestNode) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	data := ec.Node.Data
	if data == nil {
		data = map[string]any{}
	}

	rawURL := stringParam(data, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "httpRequest: invalid url %q", rawURL)
	}
	if q := mapParam(data, "query"); len(q) > 0 {
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = vals.Encode()
	}

	method := strings.ToUpper(stringParam(data, "method", http.MethodGet))
	bodyEncoding := stringParam(data, "bodyEncoding", "json")
	followRedirects := boolParam(data, "followRedirects", true)
	tlsSkipVerify := boolParam(data, "tlsSkipVerify", false)
	failOnErrorStatus := boolParam(data, "failOnErrorStatus", false)
	timeout := durationParam(data, "timeout", n.config.DefaultTimeout)

	rawBody, hasBody := data["body"]
	if (!hasBody || rawBody == nil) && boolParam(data, "sendInput", true) {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			rawBody, hasBody = ec.Input(), ec.Input() != nil
		}
	}

	// Build request body
	var bodyReader io.Reader
	var contentType string
	if hasBody && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecutor, "httpRequest: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecutor, "httpRequest: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(data, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(req, mapParam(data, "auth"))

	// Always build a fresh client so per-node options never leak between nodes.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "httpRequest: request timed out after %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "httpRequest: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, n.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecutor, "httpRequest: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"headers":     respHeaders,
		"body":        parsedBody,
		"contentType": respContentType,
		"durationMs":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "httpRequest: server returned %d", resp.StatusCode).
			WithDetails(out)
	}
	return Ok(out), nil
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "apiKey":
		if name := stringParam(auth, "headerName", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "headerValue", ""))
		}
	}
}
