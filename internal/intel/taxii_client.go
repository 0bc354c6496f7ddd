package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const taxiiMediaType = "application/taxii+json;version=2.1"

// TAXIIClient is a client for fetching indicators from TAXII servers
type TAXIIClient struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// NewTAXIIClient creates a new TAXII client
func NewTAXIIClient(baseURL, username, password string) *TAXIIClient {
	return &TAXIIClient{
		BaseURL:  baseURL,
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *TAXIIClient) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	req.Header.Set("Accept", taxiiMediaType)
	return req, nil
}

// FetchIndicators fetches the raw STIX bundle of a TAXII collection
func (c *TAXIIClient) FetchIndicators(ctx context.Context, collectionID string, addedAfter time.Time) ([]byte, error) {
	req, err := c.newRequest(ctx, fmt.Sprintf("%s/taxii2/collections/%s/objects/", c.BaseURL, collectionID))
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	if !addedAfter.IsZero() {
		q.Set("added_after", addedAfter.UTC().Format(time.RFC3339))
	}
	q.Set("match[type]", "indicator")
	req.URL.RawQuery = q.Encode()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TAXII server returned %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// ListCollections lists available TAXII collections
func (c *TAXIIClient) ListCollections(ctx context.Context) ([]Collection, error) {
	req, err := c.newRequest(ctx, fmt.Sprintf("%s/taxii2/collections/", c.BaseURL))
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TAXII server returned %d", resp.StatusCode)
	}

	var result struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return result.Collections, nil
}

// Collection represents a TAXII collection
type Collection struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CanRead     bool   `json:"can_read"`
	CanWrite    bool   `json:"can_write"`
}
