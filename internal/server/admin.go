package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/blocklist"
	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/Bastion/internal/policy"
	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
	"github.com/SmitUplenchwar2687/Bastion/internal/trust"
)

// BlockRequest is the body of POST /admin/blocks. Seconds <= 0 blocks
// permanently.
type BlockRequest struct {
	Identifier string `json:"identifier"`
	Seconds    int64  `json:"seconds"`
	Reason     string `json:"reason"`
}

func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/blocks", s.handleListBlocks)
	r.Post("/blocks", s.handleBlock)
	r.Delete("/blocks/{id}", s.handleUnblock)
	r.Get("/trust/{scope}/{id}", s.handleTrust)
	r.Get("/limits/{algorithm}/{scope}/{id}", s.handlePeekLimit)
	r.Post("/limits/{algorithm}/{scope}/{id}/reset", s.handleResetLimit)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	records, err := s.opts.Blocks.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []blocklist.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	d := blocklist.Permanent
	if req.Seconds > 0 {
		d = time.Duration(req.Seconds) * time.Second
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}
	if err := s.opts.Blocks.Block(r.Context(), req.Identifier, d, req.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	klog.InfoS("Identifier blocked", "event", "block", "identifier", req.Identifier, "duration", d, "source", "admin")
	s.opts.Hub.Broadcast(&recorder.Event{
		Kind:       recorder.EventBlock,
		Time:       s.opts.Pipeline.Clock().Now(),
		Identifier: req.Identifier,
		Reason:     req.Reason,
	})

	rec, _, err := s.opts.Blocks.Get(r.Context(), req.Identifier)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Blocks.Unblock(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	klog.InfoS("Identifier unblocked", "event", "unblock", "identifier", id, "source", "admin")
	s.opts.Hub.Broadcast(&recorder.Event{
		Kind:       recorder.EventUnblock,
		Time:       s.opts.Pipeline.Clock().Now(),
		Identifier: id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trust == nil {
		writeError(w, http.StatusNotFound, "trust scoring is disabled")
		return
	}
	scope := chi.URLParam(r, "scope")
	if !validScope(scope) {
		writeError(w, http.StatusBadRequest, "unknown scope "+strconv.Quote(scope))
		return
	}
	id := trust.Identity{Scope: scope, ID: chi.URLParam(r, "id")}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": id,
		"score":    s.opts.Trust.Score(r.Context(), id),
	})
}

func (s *Server) handlePeekLimit(w http.ResponseWriter, r *http.Request) {
	alg, key, pol, ok := s.limitParams(w, r)
	if !ok {
		return
	}
	dec, err := s.opts.Limiter.Get(r.Context(), alg, key, pol)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithm": alg,
		"key":       key,
		"policy":    pol,
		"decision":  dec,
	})
}

func (s *Server) handleResetLimit(w http.ResponseWriter, r *http.Request) {
	alg, key, pol, ok := s.limitParams(w, r)
	if !ok {
		return
	}
	if err := s.opts.Limiter.Delete(r.Context(), alg, key, pol); err != nil {
		writeStoreError(w, err)
		return
	}
	klog.InfoS("Quota reset", "event", "reset", "key", key.String(), "algorithm", alg)
	w.WriteHeader(http.StatusNoContent)
}

// limitParams reads the algorithm and key from the path and the policy from
// the points, duration and prefix query parameters. Without points the free
// tier policy applies.
func (s *Server) limitParams(w http.ResponseWriter, r *http.Request) (limiter.Algorithm, limiter.Key, limiter.Policy, bool) {
	alg, err := limiter.ParseAlgorithm(chi.URLParam(r, "algorithm"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", limiter.Key{}, limiter.Policy{}, false
	}
	scope := chi.URLParam(r, "scope")
	if !validScope(scope) {
		writeError(w, http.StatusBadRequest, "unknown scope "+strconv.Quote(scope))
		return "", limiter.Key{}, limiter.Policy{}, false
	}
	key := limiter.Key{Scope: scope, Identifier: chi.URLParam(r, "id")}

	pol := policy.DefaultTiers()[policy.TierFree].Policy()
	if s.opts.Resolver != nil {
		pol = s.opts.Resolver.TierPolicy(policy.TierFree)
	}
	q := r.URL.Query()
	if v := q.Get("points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid points: "+err.Error())
			return "", limiter.Key{}, limiter.Policy{}, false
		}
		pol.Points = n
	}
	if v := q.Get("duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid duration: "+err.Error())
			return "", limiter.Key{}, limiter.Policy{}, false
		}
		pol.Duration = d
	}
	pol.KeyPrefix = q.Get("prefix")
	if err := pol.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", limiter.Key{}, limiter.Policy{}, false
	}
	return alg, key, pol, true
}

func validScope(scope string) bool {
	switch scope {
	case limiter.ScopeUser, limiter.ScopeIP, limiter.ScopeAPIKey, limiter.ScopeEndpoint, limiter.ScopeCustom:
		return true
	}
	return false
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, blocklist.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		klog.Errorf("admin request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
