package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"codebroker/internal/reqcontext"
)

// ProxyCredentials is what a runner needs to reach the per-execution
// loopback proxy: the ephemeral port and the bearer token the proxy
// minted at start. ExecutionID is sent as the request ID so the
// execution's audit entries share one correlation ID.
type ProxyCredentials struct {
	Port        int
	Token       string
	ExecutionID string
}

// proxyClient backs the helper functions injected into the TypeScript
// VM. Helpers go over real loopback HTTP rather than calling the pool
// directly, so both languages cross the same authenticated boundary
// and hit the same allowlist, schema, and rate-limit checks.
type proxyClient struct {
	baseURL     string
	token       string
	executionID string
	httpc       *http.Client
}

func newProxyClient(creds ProxyCredentials) *proxyClient {
	return &proxyClient{
		baseURL:     fmt.Sprintf("http://127.0.0.1:%d", creds.Port),
		token:       creds.Token,
		executionID: creds.ExecutionID,
		// No client timeout: the execution context bounds every request.
		httpc: &http.Client{},
	}
}

// CallTool forwards one tool invocation through POST /. On a non-200
// response the server's error message is returned verbatim, so user
// code sees the same text the proxy produced.
func (pc *proxyClient) CallTool(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"toolName": toolName,
		"params":   params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool call: %w", err)
	}

	decoded, err := pc.do(ctx, http.MethodPost, "/", body)
	if err != nil {
		return nil, err
	}
	return decoded["result"], nil
}

// DiscoverTools lists the upstream tool catalog via GET /mcp/tools,
// optionally narrowed by search terms (repeated q parameters).
func (pc *proxyClient) DiscoverTools(ctx context.Context, search []string) ([]interface{}, error) {
	path := "/mcp/tools"
	if len(search) > 0 {
		q := url.Values{}
		for _, term := range search {
			q.Add("q", term)
		}
		path += "?" + q.Encode()
	}

	decoded, err := pc.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	tools, _ := decoded["tools"].([]interface{})
	if tools == nil {
		tools = []interface{}{}
	}
	return tools, nil
}

// GetToolSchema returns the catalog entry for one fully qualified tool
// name, or nil when the tool is unknown. Legal tool names are valid
// search terms, so the catalog fetch is narrowed by the name itself.
func (pc *proxyClient) GetToolSchema(ctx context.Context, fullName string) (interface{}, error) {
	var search []string
	if fullName != "" && len(fullName) <= 100 {
		search = []string{fullName}
	}
	tools, err := pc.DiscoverTools(ctx, search)
	if err != nil {
		return nil, err
	}
	for _, raw := range tools {
		tool, ok := raw.(map[string]interface{})
		if ok && tool["name"] == fullName {
			return tool, nil
		}
	}
	return nil, nil
}

// SearchTools returns at most limit tools matching the query.
func (pc *proxyClient) SearchTools(ctx context.Context, query string, limit int) ([]interface{}, error) {
	if limit <= 0 {
		limit = 10
	}
	tools, err := pc.DiscoverTools(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(tools) > limit {
		tools = tools[:limit]
	}
	return tools, nil
}

// do performs one authenticated request and decodes the JSON response.
// Non-200 responses become errors carrying the server's error field.
func (pc *proxyClient) do(ctx context.Context, method, path string, body []byte) (map[string]interface{}, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, pc.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+pc.token)
	if pc.executionID != "" {
		req.Header.Set(reqcontext.RequestIDHeader, pc.executionID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := pc.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("invalid proxy response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if msg, ok := decoded["error"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
		return nil, fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}
	return decoded, nil
}
