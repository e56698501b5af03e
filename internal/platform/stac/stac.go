package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geoimages/internal/logger"
)

// SysName is the catalog driver identity sources declare in sources.yaml;
// only sources carrying it are routed through this client.
const SysName = "PlanetaryComputer"

// Collection is the subset of a STAC collection the registry keeps.
type Collection struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	StacVersion string `json:"stac_version"`
}

// Asset is one downloadable artifact declared by a catalog item.
type Asset struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Href  string `json:"href"`
}

// Item carries the typed fields the pipeline needs plus the raw feature,
// which is what gets persisted to disk.
type Item struct {
	ID       string
	Datetime string
	Assets   map[string]Asset
	Raw      map[string]interface{}
}

// SearchRequest mirrors the STAC /search body: bbox is
// [minLon, minLat, maxLon, maxLat], Datetime an ISO 8601 "start/end" interval.
type SearchRequest struct {
	Collections []string
	BBox        [4]float64
	Datetime    string
	Limit       int
}

type Client struct {
	base  string
	key   string
	httpc *http.Client
	log   *logger.Logger
}

// NewClient builds a catalog client without probing the endpoint.
func NewClient(baseURL, subscriptionKey string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		key:   subscriptionKey,
		httpc: &http.Client{Timeout: 60 * time.Second},
		log:   logger.New("Catalog"),
	}
}

// Open connects to a STAC API root, retrying while the endpoint warms up.
func Open(ctx context.Context, baseURL, subscriptionKey string) (*Client, error) {
	c := NewClient(baseURL, subscriptionKey)
	var lastErr error
	for i := 0; i < 5; i++ {
		if _, err := c.getJSON(ctx, c.base); err == nil {
			return c, nil
		} else {
			lastErr = err
		}
		time.Sleep(time.Second * time.Duration(1+i))
	}
	return nil, fmt.Errorf("open catalog %s: %w", baseURL, lastErr)
}

// HTTPClient exposes the underlying client for transport-level test doubles.
func (c *Client) HTTPClient() *http.Client { return c.httpc }

// Collections lists every collection the catalog publishes.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	raw, err := c.getJSON(ctx, c.base+"/collections")
	if err != nil {
		return nil, err
	}
	var page struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode collections: %w", err)
	}
	return page.Collections, nil
}

type searchLink struct {
	Rel    string                 `json:"rel"`
	Href   string                 `json:"href"`
	Method string                 `json:"method"`
	Body   map[string]interface{} `json:"body"`
	Merge  bool                   `json:"merge"`
}

type searchPage struct {
	Features []json.RawMessage `json:"features"`
	Links    []searchLink      `json:"links"`
}

// Search runs a bbox + time-range query and follows next links until the
// result set is exhausted.
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Item, error) {
	payload := map[string]interface{}{
		"collections": req.Collections,
		"bbox":        req.BBox,
		"datetime":    req.Datetime,
	}
	if req.Limit > 0 {
		payload["limit"] = req.Limit
	}

	url := c.base + "/search"
	var items []Item
	for {
		raw, err := c.postJSON(ctx, url, payload)
		if err != nil {
			return nil, err
		}
		var page searchPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode search page: %w", err)
		}
		for _, feat := range page.Features {
			item, err := decodeItem(feat)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}

		next := nextLink(page.Links)
		if next == nil || len(page.Features) == 0 {
			return items, nil
		}
		if next.Href != "" {
			url = next.Href
		}
		if next.Merge {
			for k, v := range next.Body {
				payload[k] = v
			}
		} else if next.Body != nil {
			payload = next.Body
		}
	}
}

func nextLink(links []searchLink) *searchLink {
	for i := range links {
		if links[i].Rel == "next" {
			return &links[i]
		}
	}
	return nil
}

func decodeItem(feat json.RawMessage) (Item, error) {
	var typed struct {
		ID         string `json:"id"`
		Properties struct {
			Datetime string `json:"datetime"`
		} `json:"properties"`
		Assets map[string]Asset `json:"assets"`
	}
	if err := json.Unmarshal(feat, &typed); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(feat, &raw); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	return Item{
		ID:       typed.ID,
		Datetime: typed.Properties.Datetime,
		Assets:   typed.Assets,
		Raw:      raw,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, url string) ([]byte, error) {
	return c.doJSON(ctx, http.MethodGet, url, nil)
}

func (c *Client) postJSON(ctx context.Context, url string, body interface{}) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, url, b)
}

// doJSON issues a request with a small retry budget: 429 and 5xx responses
// are retried with backoff honoring Retry-After, other non-200s fail fast.
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.key != "" {
			req.Header.Set("Ocp-Apim-Subscription-Key", c.key)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			sleepRetryAfter(resp.Header.Get("Retry-After"), i)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return raw, nil
	}
	return nil, lastErr
}

func sleepRetryAfter(header string, attempt int) {
	if header != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
			time.Sleep(time.Duration(secs) * time.Second)
			return
		}
		if when, err := http.ParseTime(header); err == nil {
			if d := time.Until(when); d > 0 {
				time.Sleep(d)
			}
			return
		}
	}
	time.Sleep(time.Duration(2*(attempt+1)) * time.Second)
}
