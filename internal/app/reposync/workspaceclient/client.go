// Package workspaceclient is a typed wrapper over the external document
// workspace's JSON-RPC 2.0 tool protocol, including the existence probe and
// targeted block mutations the change processor needs for partial updates.
package workspaceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultBodyLimit = int64(8 << 20) // 8 MiB
)

// Client talks to a single workspace endpoint over JSON-RPC.
type Client struct {
	endpoint   string
	httpClient *http.Client
	tracer     core.Tracer
	log        *logger.Logger
	nextID     int
}

// New constructs a Client bound to a single workspace endpoint.
func New(endpoint string, httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = logger.NewDefault("workspaceclient")
	}
	return &Client{endpoint: endpoint, httpClient: httpClient, tracer: core.NoopTracer, log: log}
}

// WithTracer configures an optional tracer for outbound calls.
func (c *Client) WithTracer(tracer core.Tracer) *Client {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	c.tracer = tracer
	return c
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	spanCtx, finish := c.tracer.StartSpan(ctx, "workspaceclient."+method, map[string]string{"method": method})
	defer func() { finish(nil) }()
	ctx = spanCtx

	c.nextID++
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("workspaceclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("workspaceclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultBodyLimit))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.log.WithField("status", resp.StatusCode).WithField("method", method).Warn("workspaceclient received retryable status")
		return nil, &TransportError{StatusCode: resp.StatusCode, Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Retryable: false, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	payloadBody, err := parseFramedReply(body)
	if err != nil {
		return nil, err
	}

	var rpc rpcResponse
	if err := json.Unmarshal(payloadBody, &rpc); err != nil {
		return nil, &ProtocolError{Reason: "unparseable json-rpc envelope: " + err.Error()}
	}
	if rpc.Error != nil {
		return nil, &ProtocolError{Reason: rpc.Error.Message}
	}
	return rpc.Result, nil
}

// DocumentsList returns every document visible in the workspace.
func (c *Client) DocumentsList(ctx context.Context) ([]DocumentSummary, error) {
	result, err := c.call(ctx, "documents_list", nil)
	if err != nil {
		return nil, err
	}
	var docs []DocumentSummary
	if err := json.Unmarshal(result, &docs); err != nil {
		return nil, &ProtocolError{Reason: "documents_list: " + err.Error()}
	}
	return docs, nil
}

// DocumentsSearch is a reachable fallback lookup the materialiser and
// Connection API deliberately never call for existence checks, since the
// search index is allowed to lag the canonical document_list state.
func (c *Client) DocumentsSearch(ctx context.Context, query string) ([]DocumentSummary, error) {
	result, err := c.call(ctx, "documents_search", map[string]string{"query": query})
	if err != nil {
		return nil, err
	}
	var docs []DocumentSummary
	if err := json.Unmarshal(result, &docs); err != nil {
		return nil, &ProtocolError{Reason: "documents_search: " + err.Error()}
	}
	return docs, nil
}

// DocumentsCreate creates a root-level document and returns its id.
func (c *Client) DocumentsCreate(ctx context.Context, title string) (string, error) {
	result, err := c.call(ctx, "documents_create", map[string]interface{}{
		"documents": []map[string]string{{"title": title, "location": "root"}},
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result, &payload); err != nil || payload.ID == "" {
		var ids []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(result, &ids); err == nil && len(ids) > 0 {
			return ids[0].ID, nil
		}
		return "", &ProtocolError{Reason: "documents_create: no document id in reply"}
	}
	return payload.ID, nil
}

// DocumentsDelete deletes one or more documents by id.
func (c *Client) DocumentsDelete(ctx context.Context, documentIDs ...string) error {
	_, err := c.call(ctx, "documents_delete", map[string][]string{"documentIds": documentIDs})
	return err
}

// MarkdownAdd appends markdown content at the given position of pageID.
func (c *Client) MarkdownAdd(ctx context.Context, pageID, markdown string, position BlockPosition) error {
	_, err := c.call(ctx, "markdown_add", map[string]interface{}{
		"markdown": markdown,
		"position": map[string]string{"pageId": pageID, "position": string(position)},
	})
	return err
}

// BlocksGet lists every block of a page.
func (c *Client) BlocksGet(ctx context.Context, pageID string) ([]Block, error) {
	result, err := c.call(ctx, "blocks_get", map[string]string{"pageId": pageID})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		Text     string `json:"text"`
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, &ProtocolError{Reason: "blocks_get: " + err.Error()}
	}
	blocks := make([]Block, 0, len(raw))
	for _, b := range raw {
		content := b.Content
		if content == "" {
			content = b.Text
		}
		if content == "" {
			content = b.Markdown
		}
		blocks = append(blocks, Block{ID: b.ID, Content: content})
	}
	return blocks, nil
}

// BlocksUpdate replaces the content of a single block.
func (c *Client) BlocksUpdate(ctx context.Context, blockID, content string) error {
	_, err := c.call(ctx, "blocks_update", map[string]string{"blockId": blockID, "content": content})
	return err
}

// BlocksDelete removes a single block.
func (c *Client) BlocksDelete(ctx context.Context, blockID string) error {
	_, err := c.call(ctx, "blocks_delete", map[string]string{"blockId": blockID})
	return err
}

// CollectionsCreate creates a typed collection positioned at the end of
// pageID and returns its extracted id.
func (c *Client) CollectionsCreate(ctx context.Context, pageID string, schema CollectionSchema) (string, error) {
	properties := make(map[string]string, len(schema.Properties))
	for _, p := range schema.Properties {
		properties[p.Name] = p.Type
	}
	result, err := c.call(ctx, "collections_create", map[string]interface{}{
		"name": schema.Name,
		"schema": map[string]interface{}{
			"properties": properties,
		},
		"position": map[string]string{"pageId": pageID, "position": string(PositionEnd)},
	})
	if err != nil {
		return "", err
	}
	return extractCollectionID(result)
}

// CollectionItemsAdd appends one or more items to a collection.
func (c *Client) CollectionItemsAdd(ctx context.Context, collectionBlockID string, items []map[string]interface{}) error {
	_, err := c.call(ctx, "collectionItems_add", map[string]interface{}{
		"collectionBlockId": collectionBlockID,
		"items":             items,
	})
	return err
}

// DocumentExists probes documents_list (the authoritative source, never
// documents_search) for an exact, case-insensitive title match.
func (c *Client) DocumentExists(ctx context.Context, title string) (DocumentSummary, bool, error) {
	docs, err := c.DocumentsList(ctx)
	if err != nil {
		return DocumentSummary{}, false, err
	}
	want := strings.ToLower(title)
	for _, doc := range docs {
		if strings.ToLower(doc.Title) == want {
			return doc, true, nil
		}
	}
	return DocumentSummary{}, false, nil
}

// UpdateMainDocumentRequest parameterises a targeted partial update to a
// page's blocks.
type UpdateMainDocumentRequest struct {
	PageID            string
	SectionToUpdate   string
	NewContent        string
	DeletePattern     string
	AppendIfNotFound  bool
}

// UpdateMainDocument implements the four-step targeted mutation described in
// the workspace protocol: delete blocks matching DeletePattern, update the
// first block matching SectionToUpdate, or append NewContent when nothing
// matched and AppendIfNotFound is set.
func (c *Client) UpdateMainDocument(ctx context.Context, req UpdateMainDocumentRequest) error {
	blocks, err := c.BlocksGet(ctx, req.PageID)
	if err != nil {
		return err
	}

	if req.DeletePattern != "" {
		pattern, err := regexp.Compile("(?i)" + req.DeletePattern)
		if err != nil {
			return &ProtocolError{Reason: "invalid delete pattern: " + err.Error()}
		}
		remaining := blocks[:0]
		for _, b := range blocks {
			if pattern.MatchString(b.Content) {
				if err := c.BlocksDelete(ctx, b.ID); err != nil {
					c.log.WithField("block_id", b.ID).Warn("workspaceclient: failed to delete matched block")
				}
				continue
			}
			remaining = append(remaining, b)
		}
		blocks = remaining
	}

	if req.SectionToUpdate != "" {
		sectionPattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(req.SectionToUpdate))
		if err != nil {
			return &ProtocolError{Reason: "invalid section pattern: " + err.Error()}
		}
		for _, b := range blocks {
			if sectionPattern.MatchString(b.Content) {
				return c.BlocksUpdate(ctx, b.ID, req.NewContent)
			}
		}
	}

	if req.AppendIfNotFound && req.NewContent != "" {
		return c.MarkdownAdd(ctx, req.PageID, req.NewContent, PositionEnd)
	}
	return nil
}

// RegenerateSection finds the heading matching sectionName, deletes every
// contiguous descendant block until the next heading of the same or higher
// level, then appends newMarkdown in its place.
func (c *Client) RegenerateSection(ctx context.Context, pageID, sectionName, newMarkdown string) error {
	blocks, err := c.BlocksGet(ctx, pageID)
	if err != nil {
		return err
	}

	headingPattern := regexp.MustCompile(`(?m)^(#{1,6})\s`)
	sectionPattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(sectionName))
	if err != nil {
		return &ProtocolError{Reason: "invalid section name: " + err.Error()}
	}

	startIdx := -1
	var startLevel int
	for i, b := range blocks {
		if loc := headingPattern.FindStringSubmatch(b.Content); loc != nil && sectionPattern.MatchString(b.Content) {
			startIdx = i
			startLevel = len(loc[1])
			break
		}
	}
	if startIdx == -1 {
		return c.MarkdownAdd(ctx, pageID, newMarkdown, PositionEnd)
	}

	for i := startIdx; i < len(blocks); i++ {
		if i > startIdx {
			if loc := headingPattern.FindStringSubmatch(blocks[i].Content); loc != nil && len(loc[1]) <= startLevel {
				break
			}
		}
		if err := c.BlocksDelete(ctx, blocks[i].ID); err != nil {
			c.log.WithField("block_id", blocks[i].ID).Warn("workspaceclient: failed to delete section block")
		}
	}
	return c.MarkdownAdd(ctx, pageID, newMarkdown, PositionEnd)
}
