package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lowkit/lowkit/appconfig"
)

// LokiConfig configures a Grafana Loki push client.
type LokiConfig struct {
	// URL is the Loki base URL; the push path is appended.
	URL string

	// Labels is the stream label set attached to every pushed line.
	Labels map[string]string

	Auth Auth
}

// LokiShipper ships lines to Loki's /loki/api/v1/push endpoint.
type LokiShipper struct {
	*batcher
	cfg    LokiConfig
	client *http.Client
}

// NewLoki builds a Loki shipper with resolved credentials.
func NewLoki(cfg LokiConfig, lookup appconfig.Lookup, opts Options) (*LokiShipper, error) {
	var err error
	if cfg.URL, err = appconfig.ResolveValue(cfg.URL, lookup); err != nil {
		return nil, err
	}
	if cfg.Auth, err = cfg.Auth.resolve(lookup); err != nil {
		return nil, err
	}
	s := &LokiShipper{cfg: cfg, client: &http.Client{}}
	s.batcher = newBatcher(s.push, opts)
	return s, nil
}

// push delivers one batch as a single Loki stream.
func (s *LokiShipper) push(ctx context.Context, batch []Line) error {
	values := make([][2]string, len(batch))
	for i, l := range batch {
		values[i] = [2]string{
			strconv.FormatInt(l.Time.UnixNano(), 10),
			l.Level + " " + l.Message,
		}
	}
	labels := map[string]string{"service": "lowkit"}
	for k, v := range s.cfg.Labels {
		labels[k] = v
	}
	payload := map[string]any{
		"streams": []map[string]any{{
			"stream": labels,
			"values": values,
		}},
	}
	return s.post(ctx, strings.TrimSuffix(s.cfg.URL, "/")+"/loki/api/v1/push", payload)
}

func (s *LokiShipper) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h := s.cfg.Auth.header(); h != "" {
		req.Header.Set("Authorization", h)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// TestConnection performs one lightweight readiness probe.
func (s *LokiShipper) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(s.cfg.URL, "/")+"/ready", nil)
	if err != nil {
		return false
	}
	if h := s.cfg.Auth.header(); h != "" {
		req.Header.Set("Authorization", h)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
