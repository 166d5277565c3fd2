// Copyright 2025 James Ross
// Package adminapi is the engine's small external-facing HTTP surface:
// plan/queue introspection and the Transition Controller's operations,
// for callers outside this process (the content service, an operator
// script) per spec.md's "external collaborator" boundary. It carries
// none of the teacher admin-api's RBAC, audit log, or rate limiting —
// those guarded a multi-tenant operator console; this surface is a
// thin wrapper over already-authorization-checked callers.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sowers-io/bosca-sub001/internal/durablestore"
	"github.com/sowers-io/bosca-sub001/internal/queuemanager"
	"github.com/sowers-io/bosca-sub001/internal/queuestore"
	"github.com/sowers-io/bosca-sub001/internal/transition"
)

// Server wires the QM/DS/QS/TC surface behind a stdlib net/http mux.
type Server struct {
	qm         *queuemanager.Manager
	ds         *durablestore.Store
	qs         *queuestore.Store
	controller *transition.Controller
	logger     *zap.Logger
}

func NewServer(qm *queuemanager.Manager, ds *durablestore.Store, qs *queuestore.Store, controller *transition.Controller, logger *zap.Logger) *Server {
	return &Server{qm: qm, ds: ds, qs: qs, controller: controller, logger: logger}
}

// Routes builds the route table. Exported so cmd/admin-api can mount it on
// its own mux beside that binary's /healthz and /readyz handlers.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/plans/", methodHandler(http.MethodGet, s.getPlan))
	mux.HandleFunc("/v1/queues/", s.routeQueue)
	mux.HandleFunc("/v1/transitions", methodHandler(http.MethodPost, s.beginTransition))
	mux.HandleFunc("/v1/transitions/", s.routeTransitionItem)
	return mux
}

func (s *Server) routeQueue(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/queues/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "missing queue name")
		return
	}
	queue := parts[0]
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		s.queueStats(w, r, queue)
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "retry-failed":
		s.retryAllFailed(w, r, queue)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such queue route")
	}
}

func (s *Server) routeTransitionItem(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/transitions/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such transition route")
		return
	}
	itemID, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ITEM_ID", "item_id must be a uuid")
		return
	}
	switch {
	case r.Method == http.MethodPost && parts[1] == "resume":
		s.resumeTransition(w, r, itemID)
	case r.Method == http.MethodPost && parts[1] == "cancel":
		s.cancelTransition(w, r, itemID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such transition route")
	}
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/plans/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_PLAN_ID", "plan id must be a uuid")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	plan, err := s.ds.Get(ctx, id)
	if err != nil {
		if durablestore.IsKind(err, durablestore.KindNotFound) {
			writeError(w, http.StatusNotFound, "PLAN_NOT_FOUND", "no such plan")
			return
		}
		s.logger.Error("adminapi: get plan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load plan")
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{
		ID:         plan.ID.ID.String(),
		Queue:      plan.ID.Queue,
		Cancelled:  plan.Cancelled,
		Failure:    plan.Failure,
		Finished:   plan.Finished,
		ActiveJobs: plan.Active.Slice(),
		FailedJobs: plan.Failed.Slice(),
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request, queue string) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pending, err := s.qs.PendingLength(ctx, queue)
	if err != nil {
		s.logger.Error("adminapi: pending length failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to read queue stats")
		return
	}
	running, err := s.qs.RunningLength(ctx, queue)
	if err != nil {
		s.logger.Error("adminapi: running length failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, QueueStatsResponse{Queue: queue, Pending: pending, Running: running})
}

func (s *Server) retryAllFailed(w http.ResponseWriter, r *http.Request, queue string) {
	var req RetryAllFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", "invalid JSON body")
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = 100
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	n, err := s.qm.RetryAllFailed(ctx, queue, req.PageSize)
	if err != nil {
		s.logger.Error("adminapi: retry all failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to retry jobs")
		return
	}
	writeJSON(w, http.StatusOK, RetryAllFailedResponse{Retried: n})
}

func (s *Server) beginTransition(w http.ResponseWriter, r *http.Request) {
	var req BeginTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", "invalid JSON body")
		return
	}
	itemID, err := uuid.Parse(req.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_ITEM_ID", "item_id must be a uuid")
		return
	}
	kind, metadataID, collectionID, err := parseKindAndRefs(req.Kind, req.MetadataID, req.CollectionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_KIND", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	err = s.controller.BeginTransition(ctx, transition.BeginTransitionRequest{
		ItemID:       itemID,
		Kind:         kind,
		MetadataID:   metadataID,
		CollectionID: collectionID,
		TargetState:  req.TargetState,
	}, req.StateValid)
	if err != nil {
		writeError(w, transitionErrorStatus(err), "TRANSITION_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resumeTransition(w http.ResponseWriter, r *http.Request, itemID uuid.UUID) {
	var req ResumeTransitionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	kind, _, _, err := parseKindAndRefs(req.Kind, nil, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_KIND", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.controller.Resume(ctx, itemID, kind); err != nil {
		writeError(w, transitionErrorStatus(err), "RESUME_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) cancelTransition(w http.ResponseWriter, r *http.Request, itemID uuid.UUID) {
	var req CancelTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_BODY", "invalid JSON body")
		return
	}
	kind, metadataID, collectionID, err := parseKindAndRefs(req.Kind, req.MetadataID, req.CollectionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_KIND", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	err = s.controller.CancelTransition(ctx, transition.BeginTransitionRequest{
		ItemID:       itemID,
		Kind:         kind,
		MetadataID:   metadataID,
		CollectionID: collectionID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CANCEL_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func parseKindAndRefs(kindStr string, metadataIDStr, collectionIDStr *string) (transition.ItemKind, *uuid.UUID, *uuid.UUID, error) {
	var kind transition.ItemKind
	switch kindStr {
	case "metadata":
		kind = transition.ItemKindMetadata
	case "collection":
		kind = transition.ItemKindCollection
	default:
		return "", nil, nil, errBadKind
	}
	metadataID, err := parseOptionalUUID(metadataIDStr)
	if err != nil {
		return "", nil, nil, err
	}
	collectionID, err := parseOptionalUUID(collectionIDStr)
	if err != nil {
		return "", nil, nil, err
	}
	return kind, metadataID, collectionID, nil
}

func parseOptionalUUID(s *string) (*uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func transitionErrorStatus(err error) int {
	conflicts := []error{
		transition.ErrAlreadyInState, transition.ErrTransitionPending, transition.ErrNoSuchTransition,
		transition.ErrUnknownState, transition.ErrPendingStateExit,
	}
	for _, c := range conflicts {
		if errors.Is(err, c) {
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

func methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		handler(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

var errBadKind = errors.New(`kind must be "metadata" or "collection"`)
