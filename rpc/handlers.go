package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"subledger/core"
	"subledger/core/types"
	"subledger/indexer"
	"subledger/native/registry"
	"subledger/native/subscription"
	"subledger/observability/logging"
)

// StatusResponse describes the node's chain position.
type StatusResponse struct {
	ChainID  string `json:"chainId"`
	Height   uint32 `json:"height"`
	Sequence uint64 `json:"sequence"`
}

type cycleResponse struct {
	SubID   uint64 `json:"subId"`
	CycleID uint64 `json:"cycleId"`
	Renewed bool   `json:"renewed"`
}

type userMetadataResponse struct {
	User string   `json:"user"`
	IDs  []string `json:"ids"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var inv types.Invocation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inv); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode invocation: %w", err), nil)
		return
	}
	receipt, err := s.node.Apply(r.Context(), &inv)
	if err != nil {
		status := StatusFor(err)
		s.logger.Info("invocation rejected",
			slog.String("requestId", RequestIDFrom(r.Context())),
			slog.String("method", inv.Method),
			slog.Int("status", status),
			slog.String("error", err.Error()))
		writeError(w, r, status, err, receipt)
		return
	}
	s.logger.Info("invocation committed",
		slog.String("requestId", RequestIDFrom(r.Context())),
		slog.String("method", inv.Method),
		slog.Uint64("height", uint64(receipt.Height)),
		slog.String("digest", logging.MaskHex(receipt.Digest)))
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		ChainID:  s.node.ChainID(),
		Height:   s.node.Height(),
		Sequence: s.node.Sequence(),
	})
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, core.Methods())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.node.Config()
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewConfigView(cfg))
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	sub, err := s.node.Subscription(id)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewSubscriptionView(sub))
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	approvalID, ok := uintParam(w, r, "approvalId")
	if !ok {
		return
	}
	approval, found, err := s.node.Approval(id, approvalID)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, subscription.ErrApprovalNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewApprovalView(id, approvalID, approval))
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	lock, found, err := s.node.RenewalLock(id)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, errors.New("no renewal lock held"), nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewLockView(id, lock))
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	cycle, found, err := s.node.CycleMarker(id)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cycleResponse{SubID: id, CycleID: cycle, Renewed: found})
}

func (s *Server) handleTimestamps(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	ts, err := s.node.Timestamps(id)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewTimestampsView(ts))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	entries, err := s.node.Logs(id)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewLogEntryViews(entries))
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	addr, err := core.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	agent, found, err := s.node.Agent(addr)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, errors.New("agent not registered"), nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewAgentView(agent))
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := registry.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	meta, err := s.node.Metadata(id)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, core.NewMetadataView(meta))
}

func (s *Server) handleUserMetadata(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	user, err := core.ParseAddress(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err, nil)
		return
	}
	ids, err := s.node.UserMetadata(user)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	resp := userMetadataResponse{User: raw, IDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		resp.IDs = append(resp.IDs, id.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, ok := uintQuery(w, r, "from")
	if !ok {
		return
	}
	limit, ok := limitQuery(w, r)
	if !ok {
		return
	}
	events, err := s.node.Events(from, limit)
	if err != nil {
		writeError(w, r, StatusFor(err), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, r, http.StatusNotFound, errors.New("event index disabled"), nil)
		return
	}
	q := indexer.Query{
		Type:   strings.TrimSpace(r.URL.Query().Get("type")),
		Module: strings.TrimSpace(r.URL.Query().Get("module")),
		Digest: strings.TrimSpace(r.URL.Query().Get("digest")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("subId")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid subId %q", raw), nil)
			return
		}
		q.SubID = &id
	}
	after, ok := uintQuery(w, r, "after")
	if !ok {
		return
	}
	q.After = after
	fromHeight, ok := uintQuery(w, r, "fromHeight")
	if !ok {
		return
	}
	toHeight, ok := uintQuery(w, r, "toHeight")
	if !ok {
		return
	}
	if fromHeight > uint64(^uint32(0)) || toHeight > uint64(^uint32(0)) {
		writeError(w, r, http.StatusBadRequest, errors.New("height out of range"), nil)
		return
	}
	q.FromHeight, q.ToHeight = uint32(fromHeight), uint32(toHeight)
	if q.Limit, ok = limitQuery(w, r); !ok {
		return
	}
	events, err := s.index.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeError(w, r, http.StatusNotFound, errors.New("event index disabled"), nil)
		return
	}
	counts, err := s.index.CountByType(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid %s %q", name, raw), nil)
		return 0, false
	}
	return v, true
}

func uintQuery(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid %s %q", name, raw), nil)
		return 0, false
	}
	return v, true
}

func limitQuery(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw, ok := uintQuery(w, r, "limit")
	if !ok {
		return 0, false
	}
	switch {
	case raw == 0:
		return defaultQueryPage, true
	case raw > maxQueryPage:
		return maxQueryPage, true
	}
	return int(raw), true
}
