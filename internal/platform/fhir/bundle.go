package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle is the FHIR Bundle resource used for search results, history and
// batch/transaction responses.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// PageParams drives pagination link generation for search bundles.
type PageParams struct {
	BaseURL  string // request path, e.g. /fhir/r5/Patient
	QueryStr string // non-paging query params, without leading ? or trailing &
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle creates a searchset Bundle from raw resource documents with
// the full self/first/previous/next/last link set.
func NewSearchBundle(resources []json.RawMessage, params PageParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  fullURLFromResource(r, params.BaseURL),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         PaginationLinks(params),
		Entry:        entries,
	}
}

// NewHistoryBundle creates a history Bundle. Entries arrive newest first and
// keep that order.
func NewHistoryBundle(entries []BundleEntry, total int) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewTransactionResponse creates a transaction-response Bundle.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewBatchResponse creates a batch-response Bundle.
func NewBatchResponse(entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "batch-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}

// PaginationLinks builds the self/first/previous/next/last link set for a
// paginated response envelope.
func PaginationLinks(params PageParams) []BundleLink {
	page := func(offset int) string {
		qs := params.QueryStr
		if qs != "" {
			qs += "&"
		}
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, qs, params.Count, offset)
	}

	links := []BundleLink{
		{Relation: "self", URL: page(params.Offset)},
		{Relation: "first", URL: page(0)},
	}

	if params.Offset > 0 {
		prev := params.Offset - params.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: page(prev)})
	}

	if params.Count > 0 {
		if next := params.Offset + params.Count; next < params.Total {
			links = append(links, BundleLink{Relation: "next", URL: page(next)})
		}
		last := ((params.Total - 1) / params.Count) * params.Count
		if last < 0 {
			last = 0
		}
		links = append(links, BundleLink{Relation: "last", URL: page(last)})
	}

	return links
}

// fullURLFromResource builds "Type/id" from a raw resource document.
func fullURLFromResource(raw json.RawMessage, baseURL string) string {
	var probe struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.ResourceType == "" || probe.ID == "" {
		return ""
	}
	return probe.ResourceType + "/" + probe.ID
}
