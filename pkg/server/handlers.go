package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/pkg/loader"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

const (
	defaultSeedLimit = 20
	maxBodyBytes     = 1 << 20
)

// Healthz returns 200 OK while the process is serving.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info writes the process id, the time, and traversal counters.
func (s *Server) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID    int          `json:"pid"`
		Now    time.Time    `json:"now"`
		Nodes  int          `json:"nodes"`
		Edges  int          `json:"edges"`
		Loader loader.Stats `json:"loader"`
	}
	respondJSON(w, http.StatusOK, resp{
		PID:    os.Getpid(),
		Now:    time.Now(),
		Nodes:  s.store.Len(),
		Edges:  s.store.EdgeCount(),
		Loader: s.loader.Stats(),
	})
}

func (s *Server) Graph(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) Missing(w http.ResponseWriter, _ *http.Request) {
	ids := s.loader.Missing()
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"missing": ids})
}

// SeedRequest picks the starting events: explicit ids, or the latest
// events of the given authors.
type SeedRequest struct {
	IDs     []string `json:"ids" validate:"required_without=Authors,max=500,dive,len=64,hexadecimal"`
	Authors []string `json:"authors" validate:"required_without=IDs,max=50,dive,len=64,hexadecimal"`
	Kinds   []int    `json:"kinds" validate:"dive,gte=0"`
	Limit   int      `json:"limit" validate:"gte=0,lte=500"`
}

// Seed fetches the seed events and restarts the traversal from them. The
// traversal keeps running after the response is written.
func (s *Server) Seed(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.seedTimeout)
	defer cancel()

	var (
		events []*nostr.Event
		err    error
	)
	if len(req.IDs) > 0 {
		events, err = s.fetcher.FetchByIDs(ctx, req.IDs)
	} else {
		f := nostr.Filter{Authors: req.Authors, Kinds: req.Kinds, Limit: req.Limit}
		if len(f.Kinds) == 0 {
			f.Kinds = []int{nostr.KindTextNote}
		}
		if f.Limit == 0 {
			f.Limit = defaultSeedLimit
		}
		events, err = s.fetcher.FetchByFilter(ctx, f)
	}
	if err != nil {
		s.logger.Warn("seed fetch failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "seed fetch failed: "+err.Error())
		return
	}

	s.loader.LoadInitial(s.base, events)
	s.logger.Info("traversal seeded", zap.Int("seeds", len(events)))
	respondJSON(w, http.StatusAccepted, map[string]any{
		"seeds": len(events),
		"epoch": s.store.Epoch().ID(),
	})
}

// Advance nudges the traversal; it does nothing while a batch is running.
func (s *Server) Advance(w http.ResponseWriter, _ *http.Request) {
	go s.loader.Advance()
	w.WriteHeader(http.StatusAccepted)
}

type positionRequest struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
}

func (s *Server) Position(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.HasNode(id) {
		respondError(w, http.StatusNotFound, "node not found")
		return
	}
	var req positionRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.store.SetPosition(id, *req.X, *req.Y)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ToggleOpen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.HasNode(id) {
		respondError(w, http.StatusNotFound, "node not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "open": s.store.ToggleOpen(id)})
}

type selectRequest struct {
	ID string `json:"id" validate:"required"`
}

func (s *Server) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.store.HasNode(req.ID) {
		respondError(w, http.StatusNotFound, "node not found")
		return
	}
	s.store.Select(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ClearSelection(w http.ResponseWriter, _ *http.Request) {
	s.store.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return "invalid field " + fe.Field() + ": " + fe.Tag()
	}
	return err.Error()
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
