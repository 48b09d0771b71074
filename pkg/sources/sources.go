// Package sources holds the read-only clients for upstream regulatory
// feeds: the Federal Register API and the Trade.gov consolidated screening
// list. Both ride the content-addressed cache, so live traffic happens only
// under recording, and both are paced by the client's per-host limiter.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/httpcache"
)

// FederalRegisterDoc is one document from the Federal Register API.
type FederalRegisterDoc struct {
	DocumentNumber string `json:"document_number"`
	Title          string `json:"title"`
	Type           string `json:"type"`
	HTMLURL        string `json:"html_url"`
	PublicationDate string `json:"publication_date"`
	Abstract       string `json:"abstract"`
}

// FederalRegisterClient reads EAR-related documents from
// federalregister.gov.
type FederalRegisterClient struct {
	client  *httpcache.Client
	baseURL string
}

// NewFederalRegisterClient builds a client over the shared cache client.
func NewFederalRegisterClient(client *httpcache.Client) *FederalRegisterClient {
	return &FederalRegisterClient{
		client:  client,
		baseURL: "https://www.federalregister.gov/api/v1",
	}
}

// SearchEAR returns documents matching the Export Administration
// Regulations term for the given CFR part.
func (c *FederalRegisterClient) SearchEAR(ctx context.Context, part string, perPage int) ([]FederalRegisterDoc, error) {
	q := url.Values{}
	q.Set("conditions[term]", "Export Administration Regulations "+part)
	q.Set("per_page", fmt.Sprintf("%d", perPage))
	q.Set("order", "newest")

	endpoint := fmt.Sprintf("%s/documents.json?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "sources.fr", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Results []FederalRegisterDoc `json:"results"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil {
		return nil, errkind.Wrap(errkind.Upstream, "sources.fr", err)
	}
	return payload.Results, nil
}

// CSLEntity is one entity from the consolidated screening list.
type CSLEntity struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Source    string   `json:"source"`
	Programs  []string `json:"programs"`
	Addresses []struct {
		Country string `json:"country"`
	} `json:"addresses"`
}

// CSLClient reads the Trade.gov consolidated screening list. The API key is
// sent as a header, which the cache layer excludes from key derivation and
// stored envelopes.
type CSLClient struct {
	client  *httpcache.Client
	baseURL string
	apiKey  string
}

// NewCSLClient builds a client; apiKey may be empty for replay-only use.
func NewCSLClient(client *httpcache.Client, apiKey string) *CSLClient {
	return &CSLClient{
		client:  client,
		baseURL: "https://data.trade.gov/consolidated_screening_list/v1",
		apiKey:  apiKey,
	}
}

// Search queries the screening list by name fragment.
func (c *CSLClient) Search(ctx context.Context, name string, size int) ([]CSLEntity, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("size", fmt.Sprintf("%d", size))

	endpoint := fmt.Sprintf("%s/search?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "sources.csl", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("subscription-key", c.apiKey)
	}

	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Results []CSLEntity `json:"results"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil {
		return nil, errkind.Wrap(errkind.Upstream, "sources.csl", err)
	}
	return payload.Results, nil
}

func decodeJSON(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
