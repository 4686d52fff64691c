// Package catalog implements the Port API catalog client consumed by the
// export engine.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	exporter "github.com/port-experimental/datalake-entities-exporter"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.getport.io/v1"

// Config holds Port API credentials and endpoint settings.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Timeout      time.Duration
}

// Client is a Port API client with bearer-token refresh. Safe for concurrent
// use by multiple blueprint workers.
type Client struct {
	cfg  Config
	http *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewClient creates a Port API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ exporter.Catalog = (*Client)(nil)

// GetSchema fetches one blueprint and translates its declaration into a flat
// source schema: properties, relations, calculation, aggregation and mirror
// properties, each in declaration order.
func (c *Client) GetSchema(ctx context.Context, blueprint string) (*exporter.SourceSchema, error) {
	body, err := c.do(ctx, http.MethodGet, "/blueprints/"+blueprint, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Blueprint blueprintPayload `json:"blueprint"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, exporter.NewNetworkError("decode blueprint response", err).WithBlueprint(blueprint)
	}
	return payload.Blueprint.toSourceSchema(blueprint)
}

// SearchEntities fetches one page of entities. The cursor, when non-empty, is
// threaded back into the search query as its "from" marker.
func (c *Client) SearchEntities(ctx context.Context, blueprint string, query exporter.SearchQuery, cursor string) ([]exporter.Entity, string, error) {
	q := map[string]any{
		"combinator": query.Combinator,
		"rules":      query.Rules,
	}
	if q["combinator"] == "" {
		q["combinator"] = "and"
	}
	if query.Rules == nil {
		q["rules"] = []map[string]any{}
	}
	if cursor != "" {
		q["from"] = cursor
	}

	body, err := c.do(ctx, http.MethodPost, "/blueprints/"+blueprint+"/entities/search", map[string]any{"query": q})
	if err != nil {
		return nil, "", err
	}

	var payload struct {
		Entities []exporter.Entity `json:"entities"`
		Next     string            `json:"next"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", exporter.NewNetworkError("decode search response", err).WithBlueprint(blueprint)
	}
	return payload.Entities, payload.Next, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.refreshTokenIfExpired(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, exporter.NewInternalError("encode request payload", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, exporter.NewInternalError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, exporter.NewNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exporter.NewNetworkError("read response body", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, exporter.NewAuthError(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, exporter.NewNetworkError(fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil).
			WithDetail("body", string(body))
	}
	return body, nil
}

func (c *Client) refreshTokenIfExpired(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.expiry) {
		return nil
	}

	zap.S().Debugw("refreshing catalog access token")
	creds, err := json.Marshal(map[string]string{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	})
	if err != nil {
		return exporter.NewInternalError("encode credentials", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/access_token", bytes.NewReader(creds))
	if err != nil {
		return exporter.NewInternalError("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return exporter.NewNetworkError("request access token", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return exporter.NewAuthError(fmt.Sprintf("access token request returned %d", resp.StatusCode), nil)
	}

	var tokenResp struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return exporter.NewAuthError("decode access token response", err)
	}
	c.token = tokenResp.AccessToken
	c.expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return nil
}

// ============================================================================
// Blueprint payload translation
// ============================================================================

type propertyDetails struct {
	Type   string `json:"type"`
	Format string `json:"format"`
	Items  *struct {
		Type string `json:"type"`
	} `json:"items"`
}

type relationDetails struct {
	Many bool `json:"many"`
}

type blueprintPayload struct {
	Schema struct {
		Properties json.RawMessage `json:"properties"`
	} `json:"schema"`
	Relations             json.RawMessage `json:"relations"`
	CalculationProperties json.RawMessage `json:"calculationProperties"`
	AggregationProperties json.RawMessage `json:"aggregationProperties"`
	MirrorProperties      json.RawMessage `json:"mirrorProperties"`
}

func (b blueprintPayload) toSourceSchema(blueprint string) (*exporter.SourceSchema, error) {
	schema := &exporter.SourceSchema{Blueprint: blueprint}

	appendTyped := func(raw json.RawMessage) error {
		names, details, err := decodeOrdered[propertyDetails](raw)
		if err != nil {
			return exporter.NewNetworkError("decode blueprint properties", err).WithBlueprint(blueprint)
		}
		for _, name := range names {
			d := details[name]
			f := exporter.SourceField{
				Name:   name,
				Type:   exporter.FieldType(d.Type),
				Format: d.Format,
			}
			if f.Type == "" {
				f.Type = exporter.FieldTypeString
			}
			if d.Items != nil {
				f.ItemsType = exporter.FieldType(d.Items.Type)
			}
			schema.Fields = append(schema.Fields, f)
		}
		return nil
	}

	if err := appendTyped(b.Schema.Properties); err != nil {
		return nil, err
	}

	relNames, relDetails, err := decodeOrdered[relationDetails](b.Relations)
	if err != nil {
		return nil, exporter.NewNetworkError("decode blueprint relations", err).WithBlueprint(blueprint)
	}
	for _, name := range relNames {
		f := exporter.SourceField{Name: name, Type: exporter.FieldTypeString}
		if relDetails[name].Many {
			f.Type = exporter.FieldTypeArray
			f.ItemsType = exporter.FieldTypeString
		}
		schema.Fields = append(schema.Fields, f)
	}

	if err := appendTyped(b.CalculationProperties); err != nil {
		return nil, err
	}
	if err := appendTyped(b.AggregationProperties); err != nil {
		return nil, err
	}

	mirrorNames, _, err := decodeOrdered[struct{}](b.MirrorProperties)
	if err != nil {
		return nil, exporter.NewNetworkError("decode blueprint mirror properties", err).WithBlueprint(blueprint)
	}
	for _, name := range mirrorNames {
		schema.Fields = append(schema.Fields, exporter.SourceField{Name: name, Type: exporter.FieldTypeString})
	}

	return schema, nil
}

// decodeOrdered decodes a JSON object into per-key values while preserving
// the key declaration order, which a plain map unmarshal would lose.
func decodeOrdered[T any](raw json.RawMessage) ([]string, map[string]T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var names []string
	values := make(map[string]T)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		var val T
		if err := dec.Decode(&val); err != nil {
			return nil, nil, fmt.Errorf("decode value for key %q: %w", key, err)
		}
		names = append(names, key)
		values[key] = val
	}
	return names, values, nil
}
