package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// client is a minimal JSON-RPC client for relayd's /rpc endpoint.
type client struct {
	base   string
	token  string
	caller string
	http   *http.Client
	nextID int
}

func newClient() *client {
	token := authToken
	if token == "" {
		token = os.Getenv("RELAY_AUTH_TOKEN")
	}
	return &client{
		base:   serverURL,
		token:  token,
		caller: callerName,
		http:   &http.Client{Timeout: 30 * time.Second},
		nextID: 1,
	}
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.caller != "" {
		req.Header.Set("X-Agent-Name", c.caller)
	}
}

// callTool invokes one relay tool and returns its structured result.
// A tool-level failure (isError) is surfaced as an error.
func (c *client) callTool(name string, args any) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  "tools/call",
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	c.nextID++

	req, err := http.NewRequest(http.MethodPost, c.base+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
		IsError           bool            `json:"isError"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	if result.IsError {
		var perr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if len(result.Content) > 0 && json.Unmarshal([]byte(result.Content[0].Text), &perr) == nil && perr.Code != "" {
			return nil, fmt.Errorf("%s: %s", perr.Code, perr.Message)
		}
		if len(result.Content) > 0 {
			return nil, fmt.Errorf("%s", result.Content[0].Text)
		}
		return nil, fmt.Errorf("tool call failed")
	}
	if len(result.StructuredContent) > 0 {
		return result.StructuredContent, nil
	}
	if len(result.Content) > 0 {
		return json.RawMessage(result.Content[0].Text), nil
	}
	return json.RawMessage("null"), nil
}

// postREST posts to a worker-facing REST endpoint.
func (c *client) postREST(path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var perr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &perr) == nil && perr.Code != "" {
			return nil, fmt.Errorf("%s: %s", perr.Code, perr.Message)
		}
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	return raw, nil
}

// getJSON fetches a JSON endpoint.
func (c *client) getJSON(path string) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	return raw, nil
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
