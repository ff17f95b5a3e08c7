// Package meshserver exposes the three peer-facing HTTP endpoints for
// direct instance-to-instance sync: merkle node lookup, pull by id, and
// push. It is the server-side counterpart to internal/meshclient, routed
// with gorilla/mux the way walletserver/routes routes its wallet
// resources, generalized from a single wallet resource to a per-entity-
// type handler table.
package meshserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xelth-com/eckwmsgo/internal/merkle"
	"github.com/xelth-com/eckwmsgo/internal/resolver"
	"github.com/xelth-com/eckwmsgo/internal/storage"
)

// Server answers direct peer requests against the local store. It never
// calls out to other peers itself; internal/syncengine is the caller that
// drives outbound reconciliation.
type Server struct {
	store storage.Store
	log   *logrus.Entry
	mux   *mux.Router
}

// New builds a meshserver bound to store, with routes already registered.
func New(store storage.Store, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{store: store, log: log.WithField("component", "meshserver"), mux: mux.NewRouter()}
	s.mux.HandleFunc("/mesh/merkle", s.handleMerkle).Methods(http.MethodPost)
	s.mux.HandleFunc("/mesh/pull", s.handlePull).Methods(http.MethodPost)
	s.mux.HandleFunc("/mesh/push", s.handlePush).Methods(http.MethodPost)
	return s
}

// ServeHTTP lets Server be mounted directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type merkleRequest struct {
	EntityType string `json:"entity_type"`
	Level      int    `json:"level"`
	Bucket     string `json:"bucket,omitempty"`
}

func (s *Server) handleMerkle(w http.ResponseWriter, r *http.Request) {
	var req merkleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		node merkle.Node
		err  error
	)
	if merkle.Level(req.Level) == merkle.LevelRoot {
		node, err = merkle.BuildRootNode(s.store, req.EntityType)
	} else {
		node, err = merkle.BuildBucketNode(s.store, req.EntityType, req.Bucket)
	}
	if err != nil {
		s.log.WithError(err).WithField("entity_type", req.EntityType).Error("failed to build merkle node")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, node)
}

type entityBatch struct {
	Products  []storage.EntityVersion `json:"products,omitempty"`
	Locations []storage.EntityVersion `json:"locations,omitempty"`
	Shipments []storage.EntityVersion `json:"shipments,omitempty"`
}

func (b entityBatch) rows(entityType string) []storage.EntityVersion {
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

func withRows(entityType string, rows []storage.EntityVersion) entityBatch {
	switch entityType {
	case "products":
		return entityBatch{Products: rows}
	case "locations":
		return entityBatch{Locations: rows}
	case "shipments":
		return entityBatch{Shipments: rows}
	default:
		return entityBatch{}
	}
}

type pullRequest struct {
	EntityType string   `json:"entity_type"`
	IDs        []string `json:"ids"`
}

type pullResponse struct {
	EntityType string `json:"entity_type"`
	entityBatch
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.GetEntities(req.EntityType, req.IDs)
	if err != nil {
		s.log.WithError(err).WithField("entity_type", req.EntityType).Error("failed to load entities for pull")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, pullResponse{EntityType: req.EntityType, entityBatch: withRows(req.EntityType, rows)})
}

type pushResponse struct {
	Success bool `json:"success"`
	Applied int  `json:"applied"`
}

// handlePush applies every row in the batch through the conflict resolver
// against whatever local version exists, same as the relay drain path.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var batch entityBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	applied := 0
	for _, entityType := range []string{"products", "locations", "shipments"} {
		for _, remote := range batch.rows(entityType) {
			local, ok, err := s.store.GetEntity(entityType, remote.EntityID)
			if err != nil {
				s.log.WithError(err).WithField("entity_id", remote.EntityID).Error("failed to load local entity during push")
				continue
			}
			if ok {
				if d, reason := resolver.Resolve(local, remote); d != resolver.ApplyRemote {
					s.log.WithField("entity_id", remote.EntityID).WithField("reason", reason).Debug("push rejected by resolver")
					continue
				}
				remote.VectorClock = local.VectorClock.Merge(remote.VectorClock)
			}
			if err := s.store.SaveEntity(remote); err != nil {
				s.log.WithError(err).WithField("entity_id", remote.EntityID).Error("failed to save pushed entity")
				continue
			}
			applied++
		}
	}
	writeJSON(w, pushResponse{Success: true, Applied: applied})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
