package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// callAPI sends a request to the control API and decodes a JSON response
// into out when out is non-nil. Non-2xx responses become errors carrying the
// server's message.
func (c *Context) callAPI(method, path string, admin bool, out any) error {
	base := strings.TrimSuffix(c.Global.ServerURL, "/")
	if _, err := url.Parse(base); err != nil {
		return fmt.Errorf("invalid server url %q: %w", c.Global.ServerURL, err)
	}

	req, err := http.NewRequestWithContext(c, method, base+path, nil)
	if err != nil {
		return err
	}

	if admin {
		if c.Global.Token == "" {
			return fmt.Errorf("an admin token is required (--token or WORKSPACE_SERVER_ADMIN_TOKEN)")
		}
		req.Header.Set("Authorization", "Bearer "+c.Global.Token)
	}

	hc := &http.Client{Timeout: 30 * time.Second}

	c.Log.Debug("calling control api", "method", method, "url", req.URL.String())

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("control api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var ae apiError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s (%s, status %d)", ae.Error, ae.Code, resp.StatusCode)
		}
		return fmt.Errorf("control api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
