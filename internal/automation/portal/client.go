package portal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is an HTTP client for the supplier portal's attachment API.
type Client struct {
	baseURL  string
	username string
	password string
	http     *resty.Client

	supplierCache map[string]string // PO number -> supplier name
	cacheMu       sync.RWMutex
}

// NewClient creates a portal API client with retry on transient HTTP
// failures. Network-level retry here is deliberately short; task-level
// retry with backoff belongs to the processing core.
func NewClient(baseURL, username, password string) *Client {
	client := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		username:      username,
		password:      password,
		supplierCache: make(map[string]string),
	}

	client.http = resty.New().
		SetHeader("User-Agent", "podownloader/1.0").
		SetBasicAuth(username, password).
		SetTimeout(120 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return client
}

// Get performs a GET request against the portal API.
func (c *Client) Get(endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.http.R()
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.buildURL(endpoint))
}

// Download streams a file response to outputPath.
func (c *Client) Download(endpoint string, outputPath string) (*resty.Response, error) {
	return c.http.R().
		SetOutput(outputPath).
		Get(c.buildURL(endpoint))
}

// GetSupplierName retrieves the supplier for a purchase order, with caching.
func (c *Client) GetSupplierName(poNumber string) string {
	c.cacheMu.RLock()
	if name, exists := c.supplierCache[poNumber]; exists {
		c.cacheMu.RUnlock()
		return name
	}
	c.cacheMu.RUnlock()

	endpoint := fmt.Sprintf("api/purchase-orders/%s", poNumber)
	resp, err := c.Get(endpoint, map[string]string{"fields": "number,supplier"})
	if err != nil || !resp.IsSuccess() {
		// Fallback to the PO number if the lookup fails
		c.cacheMu.Lock()
		c.supplierCache[poNumber] = poNumber
		c.cacheMu.Unlock()
		return poNumber
	}

	var result struct {
		Supplier string `json:"supplier"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil || result.Supplier == "" {
		c.cacheMu.Lock()
		c.supplierCache[poNumber] = poNumber
		c.cacheMu.Unlock()
		return poNumber
	}

	c.cacheMu.Lock()
	c.supplierCache[poNumber] = result.Supplier
	c.cacheMu.Unlock()
	return result.Supplier
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}
