package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lowkit/lowkit/appconfig"
)

// OpenObserveConfig configures an OpenObserve JSON ingest client.
type OpenObserveConfig struct {
	// URL is the OpenObserve base URL.
	URL string

	// Org and Stream select the ingest target; both default sensibly.
	Org    string
	Stream string

	Auth Auth
}

// OpenObserveShipper ships lines to /api/{org}/{stream}/_json.
type OpenObserveShipper struct {
	*batcher
	cfg    OpenObserveConfig
	client *http.Client
}

// NewOpenObserve builds an OpenObserve shipper with resolved credentials.
func NewOpenObserve(cfg OpenObserveConfig, lookup appconfig.Lookup, opts Options) (*OpenObserveShipper, error) {
	var err error
	if cfg.URL, err = appconfig.ResolveValue(cfg.URL, lookup); err != nil {
		return nil, err
	}
	if cfg.Auth, err = cfg.Auth.resolve(lookup); err != nil {
		return nil, err
	}
	if cfg.Org == "" {
		cfg.Org = "default"
	}
	if cfg.Stream == "" {
		cfg.Stream = "lowkit"
	}
	s := &OpenObserveShipper{cfg: cfg, client: &http.Client{}}
	s.batcher = newBatcher(s.push, opts)
	return s, nil
}

func (s *OpenObserveShipper) ingestURL() string {
	return fmt.Sprintf("%s/api/%s/%s/_json",
		strings.TrimSuffix(s.cfg.URL, "/"), s.cfg.Org, s.cfg.Stream)
}

// push delivers one batch as an array of JSON records.
func (s *OpenObserveShipper) push(ctx context.Context, batch []Line) error {
	records := make([]map[string]any, len(batch))
	for i, l := range batch {
		rec := map[string]any{
			"_timestamp": l.Time.UnixMicro(),
			"level":      l.Level,
			"message":    l.Message,
		}
		for k, v := range l.Labels {
			rec[k] = v
		}
		records[i] = rec
	}

	body, err := json.Marshal(records)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ingestURL(), bytes.NewReader(body))
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

// TestConnection pushes one probe record through the ingest path.
func (s *OpenObserveShipper) TestConnection(ctx context.Context) bool {
	err := s.push(ctx, []Line{{Level: "info", Message: "connection test"}})
	return err == nil
}
