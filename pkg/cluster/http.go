package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stratumhq/strata/pkg/log"
)

// Client wraps the HTTP client used for node-to-node requests. Non-2xx
// responses surface as StatusError so a sub-request's status can propagate
// to the public response unchanged.
type Client struct {
	hc *http.Client
}

// NewClient returns a client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{hc: &http.Client{Timeout: timeout}}
}

// Do issues a request with an optional binary body and returns the response
// body.
func (c *Client) Do(ctx context.Context, method, url, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, Errorf(http.StatusServiceUnavailable, "request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(data)
		if msg == "" {
			msg = fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode)
		}
		return nil, &StatusError{Code: resp.StatusCode, Msg: msg}
	}
	return data, nil
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	data, err := c.Do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return err
	}
	return decodeInto(url, data, out)
}

// PostJSON posts in as JSON and decodes the response into out. Either side
// may be nil.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	return c.sendJSON(ctx, http.MethodPost, url, in, out)
}

// PutJSON puts in as JSON and decodes the response into out.
func (c *Client) PutJSON(ctx context.Context, url string, in, out any) error {
	return c.sendJSON(ctx, http.MethodPut, url, in, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, url string) error {
	_, err := c.Do(ctx, http.MethodDelete, url, "", nil)
	return err
}

func (c *Client) sendJSON(ctx context.Context, method, url string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	data, err := c.Do(ctx, method, url, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeInto(url, data, out)
}

func decodeInto(url string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func errorMessage(data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.Error
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("http").Error().Err(err).Msg("failed to write response")
	}
}

// WriteError maps err to its status and writes the JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	if code >= 500 {
		log.WithComponent("http").Error().Err(err).Int("code", code).Msg("request failed")
	} else {
		log.WithComponent("http").Debug().Err(err).Int("code", code).Msg("request rejected")
	}
	WriteJSON(w, code, errorBody{Error: err.Error()})
}
