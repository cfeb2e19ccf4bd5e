package lowkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EntrypointBlock is the unique starting block of a route. It passes the
// parsed request body downstream as the initial input value.
type EntrypointBlock struct {
	BaseBlock
}

// NewEntrypointBlock creates the route's entrypoint.
func NewEntrypointBlock(id string) *EntrypointBlock {
	return &EntrypointBlock{BaseBlock: NewBaseBlock(id, KindEntrypoint)}
}

// Exec starts the run with the request body as the flowing value.
func (b *EntrypointBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	return out(ec.Request.Body), nil
}

// ErrorHandlerBlock is the sole block reachable on an unhandled failure
// from the main graph. Its input is a map describing the caught error.
type ErrorHandlerBlock struct {
	BaseBlock
}

// NewErrorHandlerBlock creates the route's error handler.
func NewErrorHandlerBlock(id string) *ErrorHandlerBlock {
	return &ErrorHandlerBlock{BaseBlock: NewBaseBlock(id, KindErrorHandler)}
}

// Exec passes the error description through to the handler subgraph.
func (b *ErrorHandlerBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	return out(input), nil
}

// GetHeaderConfig configures a GetHeaderBlock.
type GetHeaderConfig struct {
	// Name is the request header to read.
	Name string `json:"name"`

	// SaveTo optionally stores the value under a request variable.
	SaveTo string `json:"saveTo,omitempty"`
}

// GetHeaderBlock reads one inbound request header.
type GetHeaderBlock struct {
	BaseBlock
	config GetHeaderConfig
}

func NewGetHeaderBlock(id string, config GetHeaderConfig) *GetHeaderBlock {
	return &GetHeaderBlock{BaseBlock: NewBaseBlock(id, KindGetHeader), config: config}
}

func (b *GetHeaderBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("get-header block requires a header name")
	}
	v := ec.GetHeader(b.config.Name)
	if b.config.SaveTo != "" {
		ec.SetVar(b.config.SaveTo, v)
	}
	return out(v), nil
}

// SetHeaderConfig configures a SetHeaderBlock.
type SetHeaderConfig struct {
	Name string `json:"name"`

	// Value is the header value; a "js:" prefix defers to the sandbox.
	Value any `json:"value"`
}

// SetHeaderBlock sets one response header.
type SetHeaderBlock struct {
	BaseBlock
	config SetHeaderConfig
}

func NewSetHeaderBlock(id string, config SetHeaderConfig) *SetHeaderBlock {
	return &SetHeaderBlock{BaseBlock: NewBaseBlock(id, KindSetHeader), config: config}
}

func (b *SetHeaderBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("set-header block requires a header name")
	}
	v, err := resolveValue(ec, b.config.Value, input)
	if err != nil {
		return nil, err
	}
	ec.SetHeader(b.config.Name, stringify(v))
	return out(input), nil
}

// GetCookieConfig configures a GetCookieBlock.
type GetCookieConfig struct {
	Name   string `json:"name"`
	SaveTo string `json:"saveTo,omitempty"`
}

// GetCookieBlock reads one inbound request cookie.
type GetCookieBlock struct {
	BaseBlock
	config GetCookieConfig
}

func NewGetCookieBlock(id string, config GetCookieConfig) *GetCookieBlock {
	return &GetCookieBlock{BaseBlock: NewBaseBlock(id, KindGetCookie), config: config}
}

func (b *GetCookieBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("get-cookie block requires a cookie name")
	}
	v := ec.GetCookie(b.config.Name)
	if b.config.SaveTo != "" {
		ec.SetVar(b.config.SaveTo, v)
	}
	return out(v), nil
}

// SetCookieConfig configures a SetCookieBlock.
type SetCookieConfig struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// SetCookieBlock adds one response cookie.
type SetCookieBlock struct {
	BaseBlock
	config SetCookieConfig
}

func NewSetCookieBlock(id string, config SetCookieConfig) *SetCookieBlock {
	return &SetCookieBlock{BaseBlock: NewBaseBlock(id, KindSetCookie), config: config}
}

func (b *SetCookieBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("set-cookie block requires a cookie name")
	}
	v, err := resolveValue(ec, b.config.Value, input)
	if err != nil {
		return nil, err
	}
	ec.SetCookie(b.config.Name, stringify(v))
	return out(input), nil
}

// GetParamConfig configures a GetParamBlock.
type GetParamConfig struct {
	// Name is the parameter to read. Route params shadow query params.
	Name   string `json:"name"`
	SaveTo string `json:"saveTo,omitempty"`
}

// GetParamBlock reads one route or query parameter.
type GetParamBlock struct {
	BaseBlock
	config GetParamConfig
}

func NewGetParamBlock(id string, config GetParamConfig) *GetParamBlock {
	return &GetParamBlock{BaseBlock: NewBaseBlock(id, KindGetParam), config: config}
}

func (b *GetParamBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("get-param block requires a parameter name")
	}
	v, ok := ec.Request.Params[b.config.Name]
	if !ok {
		v = ec.Request.Query[b.config.Name]
	}
	if b.config.SaveTo != "" {
		ec.SetVar(b.config.SaveTo, v)
	}
	return out(v), nil
}

// GetRequestBodyBlock outputs the parsed request body.
type GetRequestBodyBlock struct {
	BaseBlock
}

func NewGetRequestBodyBlock(id string) *GetRequestBodyBlock {
	return &GetRequestBodyBlock{BaseBlock: NewBaseBlock(id, KindGetRequestBody)}
}

func (b *GetRequestBodyBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	return out(ec.Request.Body), nil
}

// HTTPRequestConfig configures an outbound HTTPRequestBlock.
type HTTPRequestConfig struct {
	Method string `json:"method"`

	// URL is the target; a "js:" prefix defers to the sandbox.
	URL any `json:"url"`

	Headers map[string]string `json:"headers,omitempty"`

	// Body is sent as JSON when set; a "js:" prefix defers to the sandbox.
	Body any `json:"body,omitempty"`
}

// HTTPRequestBlock performs one outbound HTTP call and outputs a map with
// status, headers, and the response body (JSON-decoded when possible).
type HTTPRequestBlock struct {
	BaseBlock
	config HTTPRequestConfig
}

func NewHTTPRequestBlock(id string, config HTTPRequestConfig) *HTTPRequestBlock {
	if config.Method == "" {
		config.Method = http.MethodGet
	}
	return &HTTPRequestBlock{BaseBlock: NewBaseBlock(id, KindHTTPRequest), config: config}
}

func (b *HTTPRequestBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	urlVal, err := resolveValue(ec, b.config.URL, input)
	if err != nil {
		return nil, err
	}
	url, ok := urlVal.(string)
	if !ok || url == "" {
		return nil, NewValidationError("http-request block requires a URL")
	}

	var bodyReader io.Reader
	if b.config.Body != nil {
		bodyVal, err := resolveValue(ec, b.config.Body, input)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(bodyVal)
		if err != nil {
			return nil, NewValidationError("http-request body not serializable: %v", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(b.config.Method), url, bodyReader)
	if err != nil {
		return nil, NewValidationError("http-request block: %v", err)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ec.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, NewAdapterError("outbound request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, NewAdapterError("reading outbound response", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	var body any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			body = decoded
		}
	}
	return out(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    body,
	}), nil
}

// ResponseConfig configures the terminal ResponseBlock.
type ResponseConfig struct {
	// Status overrides the draft status when non-zero.
	Status int `json:"status,omitempty"`

	// Body is the response body; nil uses the flowing input value, a
	// "js:" prefix defers to the sandbox.
	Body any `json:"body,omitempty"`

	// ContentType overrides the Content-Type header.
	ContentType string `json:"contentType,omitempty"`
}

// ResponseBlock finalizes the response draft and completes the run.
type ResponseBlock struct {
	BaseBlock
	config ResponseConfig
}

func NewResponseBlock(id string, config ResponseConfig) *ResponseBlock {
	return &ResponseBlock{BaseBlock: NewBaseBlock(id, KindResponse), config: config}
}

func (b *ResponseBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Status != 0 {
		ec.SetStatus(b.config.Status)
	}
	body := b.config.Body
	if body == nil {
		body = input
	}
	v, err := resolveValue(ec, body, input)
	if err != nil {
		return nil, err
	}
	ec.Response.Body = v
	if b.config.ContentType != "" {
		ec.SetHeader("Content-Type", b.config.ContentType)
	}
	return &Result{Output: v, Terminal: true}, nil
}

// stringify renders a resolved value for header and cookie positions.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Compile-time interface checks.
var (
	_ Block = (*EntrypointBlock)(nil)
	_ Block = (*ErrorHandlerBlock)(nil)
	_ Block = (*GetHeaderBlock)(nil)
	_ Block = (*SetHeaderBlock)(nil)
	_ Block = (*GetCookieBlock)(nil)
	_ Block = (*SetCookieBlock)(nil)
	_ Block = (*GetParamBlock)(nil)
	_ Block = (*GetRequestBodyBlock)(nil)
	_ Block = (*HTTPRequestBlock)(nil)
	_ Block = (*ResponseBlock)(nil)
)
