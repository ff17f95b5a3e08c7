// Package meshclient is the direct HTTP client between two paired
// instances, used once pairing has yielded a peer base URL. Unlike
// internal/relayclient it carries plaintext entity rows: confidentiality
// between trusted peers is the transport's job (TLS at the edge), not the
// sync core's.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xelth-com/eckwmsgo/internal/merkle"
	"github.com/xelth-com/eckwmsgo/internal/storage"
)

// Timeout bounds every peer HTTP round-trip.
const Timeout = 15 * time.Second

// Client talks directly to one peer instance's mesh server.
type Client struct {
	peerBaseURL string
	httpClient  *http.Client
}

// New builds a meshclient bound to a peer's base URL.
func New(peerBaseURL string) *Client {
	return &Client{peerBaseURL: peerBaseURL, httpClient: &http.Client{Timeout: Timeout}}
}

// BaseURL returns the peer base URL this client was built with, for
// logging and audit-trail labeling.
func (c *Client) BaseURL() string { return c.peerBaseURL }

// EntityBatch is the closed union of entity kinds the wire protocol
// carries, matching the presentation layer's business entities (products,
// stock locations, shipments); the sync core treats each merely as a list
// of opaque EntityVersion rows for its own entity_type.
type EntityBatch struct {
	Products  []storage.EntityVersion `json:"products,omitempty"`
	Locations []storage.EntityVersion `json:"locations,omitempty"`
	Shipments []storage.EntityVersion `json:"shipments,omitempty"`
}

// Rows returns whichever slice is populated for entityType, generalizing
// the wire union back into the plain list the sync engine operates on.
func (b EntityBatch) Rows(entityType string) []storage.EntityVersion {
	switch entityType {
	case "products":
		return b.Products
	case "locations":
		return b.Locations
	case "shipments":
		return b.Shipments
	default:
		return nil
	}
}

// WithRows returns a batch with rows placed under the slot for entityType.
// An unknown entity type yields an empty batch, so its rows are silently
// dropped.
func WithRows(entityType string, rows []storage.EntityVersion) EntityBatch {
	switch entityType {
	case "products":
		return EntityBatch{Products: rows}
	case "locations":
		return EntityBatch{Locations: rows}
	case "shipments":
		return EntityBatch{Shipments: rows}
	default:
		return EntityBatch{}
	}
}

type merkleRequest struct {
	EntityType string `json:"entity_type"`
	Level      int    `json:"level"`
	Bucket     string `json:"bucket,omitempty"`
}

// GetRoot fetches the peer's level-0 root node for entityType.
func (c *Client) GetRoot(ctx context.Context, entityType string) (merkle.Node, error) {
	return c.getMerkleNode(ctx, merkleRequest{EntityType: entityType, Level: int(merkle.LevelRoot)})
}

// GetBucket fetches the peer's level-1 node for (entityType, bucket).
func (c *Client) GetBucket(ctx context.Context, entityType, bucket string) (merkle.Node, error) {
	return c.getMerkleNode(ctx, merkleRequest{EntityType: entityType, Level: int(merkle.LevelBucket), Bucket: bucket})
}

func (c *Client) getMerkleNode(ctx context.Context, req merkleRequest) (merkle.Node, error) {
	var node merkle.Node
	if err := c.postJSON(ctx, "/mesh/merkle", req, &node); err != nil {
		return merkle.Node{}, err
	}
	return node, nil
}

type pullRequest struct {
	EntityType string   `json:"entity_type"`
	IDs        []string `json:"ids"`
}

type pullResponse struct {
	EntityType string `json:"entity_type"`
	EntityBatch
}

// PullEntities fetches entity rows by id from the peer.
func (c *Client) PullEntities(ctx context.Context, entityType string, ids []string) ([]storage.EntityVersion, error) {
	var resp pullResponse
	if err := c.postJSON(ctx, "/mesh/pull", pullRequest{EntityType: entityType, IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.EntityBatch.Rows(entityType), nil
}

type pushResponse struct {
	Success bool `json:"success"`
	Applied int  `json:"applied"`
}

// PushEntities sends entity rows to the peer and returns how many it
// applied.
func (c *Client) PushEntities(ctx context.Context, entityType string, rows []storage.EntityVersion) (int, error) {
	var resp pushResponse
	if err := c.postJSON(ctx, "/mesh/push", WithRows(entityType, rows), &resp); err != nil {
		return 0, err
	}
	return resp.Applied, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.peerBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meshclient: %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("meshclient: %s %s: status %d", req.Method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
