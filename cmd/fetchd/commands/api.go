package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fetchkit/fetchd/config"
	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/internal/httpclient"
)

// apiClient talks to a running daemon over its REST API
type apiClient struct {
	base string
	http *httpclient.Client
}

// newAPIClient builds a client for the daemon address from --addr, falling
// back to localhost on the default port
func newAPIClient(addr string) *apiClient {
	if addr == "" {
		addr = fmt.Sprintf("http://localhost:%d", config.DefaultServerPort)
	}
	return &apiClient{
		base: strings.TrimRight(addr, "/"),
		http: httpclient.NewLocal(30 * time.Second),
	}
}

// call issues one request. A non-nil body is sent as JSON; a non-nil out
// receives the decoded response. API errors come back as plain errors with
// the server's message.
func (c *apiClient) call(method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "cannot reach daemon at %s (is it running?)", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return errors.Newf("%s (%s)", apiErr.Error, resp.Status)
		}
		return errors.Newf("daemon returned %s", resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.call(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	return c.call(http.MethodPost, path, body, out)
}
