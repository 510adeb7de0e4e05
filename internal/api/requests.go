package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OysteinAmundsen/home-sub001/internal/ctxlog"
	"github.com/OysteinAmundsen/home-sub001/internal/dispatch"
	"github.com/OysteinAmundsen/home-sub001/internal/model"
	"github.com/OysteinAmundsen/home-sub001/internal/store"
	"github.com/OysteinAmundsen/home-sub001/internal/widget"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxTimeoutMS     = int(24 * time.Hour / time.Millisecond)
	journalTimeout   = 5 * time.Second
)

// sendRequest is the JSON body for POST /v1/sessions/{id}/requests.
type sendRequest struct {
	Widget    string          `json:"widget"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMS int             `json:"timeout_ms"`
}

// sendResponse is returned when a synchronous request completes.
type sendResponse struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	MessageID uint64          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

type cancelResponse struct {
	SessionID string `json:"session_id"`
	MessageID uint64 `json:"message_id"`
}

// listRequestsResponse wraps the paginated journal listing.
type listRequestsResponse struct {
	Requests []*model.RequestRecord `json:"requests"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

type errorResponse struct {
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	h, rec, ok := s.submit(w, r)
	if !ok {
		return
	}

	// The handle carries its own deadline; the server write timeout must not
	// cut the response short.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		ctxlog.FromContext(r.Context()).Debug("clear write deadline", "error", err)
	}

	payload, err := h.Wait(r.Context())
	if _, _, settled := h.Result(); !settled {
		// Client went away; cancel the request and journal whatever comes back.
		if cerr := s.manager.Cancel(rec.SessionID, h.ID()); cerr != nil {
			ctxlog.FromContext(r.Context()).Debug("cancel abandoned request", "message_id", h.ID(), "error", cerr)
		}
		s.finishLater(h, rec)
		return
	}

	s.finish(h, rec)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, sendResponse{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		MessageID: rec.MessageID,
		Payload:   payload,
	})
}

func (s *Server) handleSendRequestAsync(w http.ResponseWriter, r *http.Request) {
	h, rec, ok := s.submit(w, r)
	if !ok {
		return
	}
	s.finishLater(h, rec)

	w.Header().Set("Location", "/v1/requests/"+rec.ID)
	s.writeJSON(w, http.StatusAccepted, rec)
}

// submit decodes the request body, sends it on the session named in the URL
// and journals it as pending. It writes the error response itself and
// reports false when nothing was sent.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) (*dispatch.Handle, *model.RequestRecord, bool) {
	id := chi.URLParam(r, "id")

	var req sendRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, nil, false
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return nil, nil, false
	}
	if req.TimeoutMS > maxTimeoutMS {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not exceed "+strconv.Itoa(maxTimeoutMS))
		return nil, nil, false
	}

	var opts []dispatch.SendOption
	if req.Widget != "" {
		d, err := s.registry.ResolveByPath(req.Widget)
		if err != nil {
			s.writeDispatchError(w, r, err)
			return nil, nil, false
		}
		if !d.Worker() {
			s.writeError(w, http.StatusBadRequest, "widget "+d.Path()+" does not use a worker")
			return nil, nil, false
		}
		opts = append(opts, dispatch.WithWidget(d.Path()))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, dispatch.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}

	h, err := s.manager.Send(r.Context(), id, req.Payload, opts...)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return nil, nil, false
	}

	rec := &model.RequestRecord{
		ID:        model.NewID(),
		SessionID: id,
		MessageID: h.ID(),
		Status:    model.RequestPending,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRequest(r.Context(), rec); err != nil {
		ctxlog.FromContext(r.Context()).Error("journal request", "session_id", id, "error", err)
		if cerr := s.manager.Cancel(id, h.ID()); cerr != nil {
			ctxlog.FromContext(r.Context()).Debug("cancel unjournaled request", "error", cerr)
		}
		s.writeError(w, http.StatusInternalServerError, "failed to record request")
		return nil, nil, false
	}

	return h, rec, true
}

// finish writes the settled result of h to the journal. h must be settled.
func (s *Server) finish(h *dispatch.Handle, rec *model.RequestRecord) {
	payload, err, _ := h.Result()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if ferr := s.store.FinishRequest(ctx, rec.ID, dispatch.RequestStatus(err), payload, msg); ferr != nil {
		s.logger.Warn("journal request result", "id", rec.ID, "session_id", rec.SessionID, "error", ferr)
	}
}

// finishLater journals the result of h once it settles.
func (s *Server) finishLater(h *dispatch.Handle, rec *model.RequestRecord) {
	s.journal.Go(func() {
		<-h.Done()
		s.finish(h, rec)
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgID, err := strconv.ParseUint(chi.URLParam(r, "msgid"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := s.manager.Cancel(id, msgID); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, cancelResponse{SessionID: id, MessageID: msgID})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRequest(r.Context(), chi.URLParam(r, "rid"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("get request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	reqs, total, err := s.store.ListRequests(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.logger.Error("list requests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	if reqs == nil {
		reqs = []*model.RequestRecord{}
	}

	s.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: reqs,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// statusFor maps a dispatch or lookup error to an HTTP status code.
func statusFor(err error) int {
	var remote *dispatch.RemoteError
	var exit *dispatch.WorkerExitError
	switch {
	case errors.As(err, &remote), errors.As(err, &exit):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrSessionTerminated), errors.Is(err, dispatch.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrUnknownSession),
		errors.Is(err, dispatch.ErrUnknownRequest),
		errors.Is(err, widget.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeDispatchError writes err with the status statusFor assigns it.
// Worker error payloads are passed through as detail.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ctxlog.FromContext(r.Context()).Error("dispatch", "error", err)
		s.writeError(w, status, "internal error")
		return
	}

	resp := errorResponse{Error: err.Error()}
	var remote *dispatch.RemoteError
	if errors.As(err, &remote) {
		resp.Detail = remote.Payload
	}
	s.writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
