package cluster

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

// maxBodyBytes bounds the size of one received message.
const maxBodyBytes = 32 << 20

// DeliverFunc receives the invalidations posted by a peer.
type DeliverFunc func(origin string, inv *types.Invalidations)

// Handler serves the cluster routes of one node.
type Handler struct {
	router  *mux.Router
	nodeID  string
	deliver DeliverFunc
	log     *logrus.Entry
}

// NewHandler returns a Handler for nodeID that passes every received set to
// deliver. Messages whose origin is nodeID are dropped.
func NewHandler(nodeID string, deliver DeliverFunc, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		router:  mux.NewRouter(),
		nodeID:  nodeID,
		deliver: deliver,
		log:     log.WithField("component", "cluster"),
	}
	h.router.HandleFunc(InvalidationsPath, h.handlePostInvalidations).Methods("POST").Name("PostInvalidations")
	h.router.HandleFunc(HealthPath, h.handleGetHealth).Methods("GET").Name("GetHealth")
	return h
}

// Router exposes the router so that other routes, such as metrics, can be
// mounted next to the cluster routes.
func (h *Handler) Router() *mux.Router { return h.router }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handlePostInvalidations(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		h.log.WithError(err).Warn("rejecting malformed invalidations")
		http.Error(w, "malformed message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if msg.Origin == "" {
		http.Error(w, "missing origin", http.StatusBadRequest)
		return
	}
	log := h.log.WithField("origin", msg.Origin)
	switch {
	case msg.Origin == h.nodeID:
		log.Debug("dropping own invalidations")
	case msg.Invalidations == nil || msg.Invalidations.IsEmpty():
		log.Debug("dropping empty invalidations")
	default:
		log.WithField("tables", msg.Invalidations.Tables()).Debug("received invalidations")
		h.deliver(msg.Origin, msg.Invalidations)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Health{NodeID: h.nodeID, Status: "ok"}); err != nil {
		h.log.WithError(err).Warn("writing health response")
	}
}
