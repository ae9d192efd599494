package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/dispatch"
)

// client talks to the arbiterd HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, tlsConfig *tls.Config) *client {
	hc := &http.Client{Timeout: 3 * time.Second}
	if tlsConfig != nil {
		hc.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return &client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *client) status(ctx context.Context) (*dispatch.Status, error) {
	var st dispatch.Status
	if err := c.get(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *client) events(ctx context.Context, limit int) ([]*audit.Event, error) {
	var events []*audit.Event
	if err := c.get(ctx, fmt.Sprintf("/v1/events?limit=%d", limit), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// acknowledge clears the unfenced mark for peer.
func (c *client) acknowledge(ctx context.Context, peer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v1/peers/"+url.PathEscape(peer)+"/ack", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("acknowledge %s: %s", peer, resp.Status)
	}
	return nil
}

func (c *client) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
