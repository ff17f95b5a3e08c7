// Package relayclient is the HTTP client the core uses to talk to the
// blind relay: an untrusted rendezvous that only ever stores ciphertext and
// routing metadata. No function in this package inspects or requires
// plaintext; the caller is responsible for sealing/opening via
// internal/cryptopacket.
package relayclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xelth-com/eckwmsgo/internal/cryptopacket"
)

// Timeout bounds every relay HTTP round-trip.
const Timeout = 15 * time.Second

const (
	EntityTTL  = 24 * time.Hour
	PairingTTL = 5 * time.Minute
)

// Client talks to one blind relay base URL on behalf of a single mesh
// instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// New builds a relay Client bound to baseURL (e.g. https://relay.example.com).
func New(baseURL string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: Timeout},
		log:        log.WithField("component", "relayclient"),
	}
}

// Node describes a mesh participant as the relay sees it.
type Node struct {
	InstanceID string    `json:"instance_id"`
	ExternalIP string    `json:"external_ip"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
}

type registerRequest struct {
	InstanceID string `json:"instance_id"`
	MeshID     string `json:"mesh_id"`
	ExternalIP string `json:"external_ip"`
	Port       int    `json:"port"`
	Status     string `json:"status,omitempty"`
}

type registerResponse struct {
	OK         bool   `json:"ok"`
	InstanceID string `json:"instance_id"`
	MeshID     string `json:"mesh_id"`
	Status     string `json:"status"`
}

// Heartbeat registers/refreshes this instance's reachability with the
// relay. Transient network errors are the caller's responsibility to retry
// on the next periodic tick; Heartbeat itself returns the error so the
// caller can decide.
func (c *Client) Heartbeat(ctx context.Context, meshID, instanceID, ip string, port int, status string) error {
	req := registerRequest{InstanceID: instanceID, MeshID: meshID, ExternalIP: ip, Port: port, Status: status}
	var resp registerResponse
	if err := c.postJSON(ctx, "/register", req, &resp); err != nil {
		c.log.WithError(err).Warn("heartbeat failed, will retry next tick")
		return err
	}
	return nil
}

type pushRequest struct {
	MeshID           string `json:"mesh_id"`
	TargetInstanceID string `json:"target_instance_id"`
	SenderInstanceID string `json:"sender_instance_id"`
	PayloadCipher    string `json:"payload_cipher"`
	Nonce            string `json:"nonce"`
	TTLSeconds       int    `json:"ttl_seconds,omitempty"`
}

type pushResponse struct {
	OK       bool   `json:"ok"`
	PacketID string `json:"packet_id"`
}

// Push encrypts nothing itself (the packet is already sealed); it
// double-wraps the inner JSON packet inside an outer base64 envelope the
// relay can route without reading.
func (c *Client) Push(ctx context.Context, meshID, sender, target string, packet cryptopacket.Packet, ttl time.Duration) (string, error) {
	inner, err := json.Marshal(packet)
	if err != nil {
		return "", fmt.Errorf("relayclient: marshal packet: %w", err)
	}
	req := pushRequest{
		MeshID:           meshID,
		TargetInstanceID: target,
		SenderInstanceID: sender,
		PayloadCipher:    base64.StdEncoding.EncodeToString(inner),
		Nonce:            base64.StdEncoding.EncodeToString(packet.Nonce),
		TTLSeconds:       int(ttl / time.Second),
	}
	var resp pushResponse
	if err := c.postJSON(ctx, "/push", req, &resp); err != nil {
		return "", err
	}
	return resp.PacketID, nil
}

type wirePacket struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Target        string    `json:"target"`
	PayloadCipher string    `json:"payload_cipher"`
	Nonce         string    `json:"nonce"`
	CreatedAt     time.Time `json:"created_at"`
	TTL           int       `json:"ttl"`
}

type pullResponse struct {
	MeshID  string       `json:"mesh_id"`
	Packets []wirePacket `json:"packets"`
}

// Pull drains this instance's mailbox. An empty list is normal, not an
// error. Pull is destructive: packets returned here will not be
// redelivered by a subsequent Pull.
func (c *Client) Pull(ctx context.Context, meshID, instanceID string) ([]cryptopacket.Packet, error) {
	path := fmt.Sprintf("/pull/%s/%s", meshID, instanceID)
	var resp pullResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return decodeWirePackets(resp.Packets)
}

// PullFor drains an arbitrary routing channel keyed by channelID on both
// the mesh_id and target slots; used by pairing, which has no mesh id yet
// to address a mailbox by.
func (c *Client) PullFor(ctx context.Context, channelID string) ([]cryptopacket.Packet, error) {
	return c.Pull(ctx, channelID, channelID)
}

// PushChannel pushes a sealed packet to an arbitrary routing channel
// (mesh_id == target == channelID) rather than a real instance mailbox;
// used by pairing, whose sender has no established instance identity yet
// in the destination's mailbox.
func (c *Client) PushChannel(ctx context.Context, channelID, sender string, packet cryptopacket.Packet, ttl time.Duration) (string, error) {
	return c.Push(ctx, channelID, sender, channelID, packet, ttl)
}

func decodeWirePackets(wire []wirePacket) ([]cryptopacket.Packet, error) {
	out := make([]cryptopacket.Packet, 0, len(wire))
	for _, w := range wire {
		inner, err := base64.StdEncoding.DecodeString(w.PayloadCipher)
		if err != nil {
			return nil, fmt.Errorf("relayclient: decode envelope: %w", err)
		}
		var p cryptopacket.Packet
		if err := json.Unmarshal(inner, &p); err != nil {
			return nil, fmt.Errorf("relayclient: decode inner packet: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

type meshStatusResponse struct {
	MeshID string `json:"mesh_id"`
	Nodes  []Node `json:"nodes"`
}

// MeshStatus returns all nodes the relay currently knows about for meshID.
func (c *Client) MeshStatus(ctx context.Context, meshID string) ([]Node, error) {
	var resp meshStatusResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/mesh/%s/status", meshID), &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// ErrNotFound is returned by Resolve when the relay has no record of the
// requested instance.
var ErrNotFound = fmt.Errorf("relayclient: instance not found")

// Resolve looks up a peer's last-known (ip, port).
func (c *Client) Resolve(ctx context.Context, meshID, instanceID string) (Node, error) {
	var node Node
	err := c.getJSON(ctx, fmt.Sprintf("/mesh/%s/resolve/%s", meshID, instanceID), &node)
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relayclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("relayclient: %s %s: transient status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("relayclient: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
