// Package relayfake provides an in-memory blind relay used only by tests.
// It mirrors the shape of core/cross_chain.go's KVStore: a mutex-guarded
// map, repurposed here as a per-(mesh_id,target) mailbox. Pull is destructive: a packet removed from a mailbox is never
// returned again.
package relayfake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type storedPacket struct {
	ID            string
	Sender        string
	Target        string
	PayloadCipher string
	Nonce         string
	CreatedAt     time.Time
	TTL           int
}

type nodeRecord struct {
	InstanceID string    `json:"instance_id"`
	ExternalIP string    `json:"external_ip"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"last_seen"`
}

// Relay is a minimal, honest implementation of the blind-relay contract:
// it stores ciphertext and clear routing metadata only, never a shared
// key, and cannot construct a valid packet itself.
type Relay struct {
	mu        sync.Mutex
	mailboxes map[string][]storedPacket // key: mesh_id+"/"+target_instance_id
	nodes     map[string]map[string]nodeRecord
	Server    *httptest.Server
}

// New starts an httptest server backed by a fresh in-memory relay.
func New() *Relay {
	r := &Relay{
		mailboxes: make(map[string][]storedPacket),
		nodes:     make(map[string]map[string]nodeRecord),
	}
	router := mux.NewRouter()
	router.HandleFunc("/register", r.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/push", r.handlePush).Methods(http.MethodPost)
	router.HandleFunc("/pull/{mesh_id}/{instance_id}", r.handlePull).Methods(http.MethodGet)
	router.HandleFunc("/mesh/{mesh_id}/status", r.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/mesh/{mesh_id}/resolve/{instance_id}", r.handleResolve).Methods(http.MethodGet)
	r.Server = httptest.NewServer(router)
	return r
}

func (r *Relay) Close() { r.Server.Close() }

func mailboxKey(meshID, target string) string { return meshID + "/" + target }

func (r *Relay) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body struct {
		InstanceID string `json:"instance_id"`
		MeshID     string `json:"mesh_id"`
		ExternalIP string `json:"external_ip"`
		Port       int    `json:"port"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	if r.nodes[body.MeshID] == nil {
		r.nodes[body.MeshID] = make(map[string]nodeRecord)
	}
	status := body.Status
	if status == "" {
		status = "online"
	}
	r.nodes[body.MeshID][body.InstanceID] = nodeRecord{
		InstanceID: body.InstanceID, ExternalIP: body.ExternalIP, Port: body.Port,
		Status: status, LastSeen: time.Now().UTC(),
	}
	r.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true, "instance_id": body.InstanceID, "mesh_id": body.MeshID, "status": status})
}

func (r *Relay) handlePush(w http.ResponseWriter, req *http.Request) {
	var body struct {
		MeshID           string `json:"mesh_id"`
		TargetInstanceID string `json:"target_instance_id"`
		SenderInstanceID string `json:"sender_instance_id"`
		PayloadCipher    string `json:"payload_cipher"`
		Nonce            string `json:"nonce"`
		TTLSeconds       int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pkt := storedPacket{
		ID: uuid.New().String(), Sender: body.SenderInstanceID, Target: body.TargetInstanceID,
		PayloadCipher: body.PayloadCipher, Nonce: body.Nonce,
		CreatedAt: time.Now().UTC(), TTL: body.TTLSeconds,
	}
	key := mailboxKey(body.MeshID, body.TargetInstanceID)
	r.mu.Lock()
	r.mailboxes[key] = append(r.mailboxes[key], pkt)
	r.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true, "packet_id": pkt.ID})
}

func (r *Relay) handlePull(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	key := mailboxKey(vars["mesh_id"], vars["instance_id"])
	r.mu.Lock()
	pkts := r.mailboxes[key]
	delete(r.mailboxes, key) // destructive: drained packets are gone
	r.mu.Unlock()

	out := make([]map[string]any, 0, len(pkts))
	for _, p := range pkts {
		out = append(out, map[string]any{
			"id": p.ID, "sender": p.Sender, "target": p.Target,
			"payload_cipher": p.PayloadCipher, "nonce": p.Nonce,
			"created_at": p.CreatedAt, "ttl": p.TTL,
		})
	}
	writeJSON(w, map[string]any{"mesh_id": vars["mesh_id"], "packets": out})
}

func (r *Relay) handleStatus(w http.ResponseWriter, req *http.Request) {
	meshID := mux.Vars(req)["mesh_id"]
	r.mu.Lock()
	nodes := make([]nodeRecord, 0, len(r.nodes[meshID]))
	for _, n := range r.nodes[meshID] {
		nodes = append(nodes, n)
	}
	r.mu.Unlock()
	writeJSON(w, map[string]any{"mesh_id": meshID, "nodes": nodes})
}

func (r *Relay) handleResolve(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	r.mu.Lock()
	n, ok := r.nodes[vars["mesh_id"]][vars["instance_id"]]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, n)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
