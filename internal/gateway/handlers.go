package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"llmsched/internal/config"
	"llmsched/internal/sched"
	logx "llmsched/pkg/logx"
)

type submitRequest struct {
	ID          string            `json:"id,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
	Priority    float64           `json:"priority,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type submitResponse struct {
	ID       string          `json:"id"`
	Cached   bool            `json:"cached"`
	Response json.RawMessage `json:"response"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

// handleSubmit admits the request and holds the connection until it settles.
// A client disconnect cancels the request.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error(), "invalid")
		return
	}
	if len(body.Payload) == 0 || string(body.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "payload is required", "invalid")
		return
	}
	timeout, err := config.ParseDurationField("timeout", body.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
		return
	}

	fut, err := s.sched.Submit(r.Context(), sched.Request{
		ID:          body.ID,
		Payload:     body.Payload,
		Priority:    body.Priority,
		Fingerprint: body.Fingerprint,
		Stream:      body.Stream,
		Timeout:     timeout,
		Labels:      body.Labels,
	})
	if err != nil {
		s.fail(w, err, body.Priority)
		return
	}

	resp, err := fut.Wait(r.Context())
	if r.Context().Err() != nil {
		return
	}
	if err != nil {
		s.fail(w, err, body.Priority)
		return
	}
	raw, err := asJSON(resp)
	if err != nil {
		writeError(w, http.StatusBadGateway, "encode response: "+err.Error(), sched.KindServer.String())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{ID: fut.ID(), Cached: fut.Cached(), Response: raw})
}

func asJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		if json.Valid(t) {
			return t, nil
		}
	}
	return json.Marshal(v)
}

func (s *Server) fail(w http.ResponseWriter, err error, priority float64) {
	code, kind := statusFor(err)
	if code == http.StatusTooManyRequests {
		if priority <= 0 {
			priority = s.sched.Config().Levels.Normal
		}
		secs := int(math.Ceil(s.sched.EstimatedWait(priority).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	if code >= 500 {
		s.log.Warn("request failed", logx.String("kind", kind), logx.Err(err))
	}
	writeError(w, code, err.Error(), kind)
}

// statusFor maps scheduler errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sched.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, sched.ErrDuplicateID):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, sched.ErrStopped):
		return http.StatusServiceUnavailable, "stopped"
	}
	kind := sched.Classify(err)
	switch kind {
	case sched.KindQueueFull:
		return http.StatusTooManyRequests, kind.String()
	case sched.KindTimeout:
		return http.StatusGatewayTimeout, kind.String()
	case sched.KindClient:
		return http.StatusUnprocessableEntity, kind.String()
	case sched.KindCancelled:
		return http.StatusConflict, kind.String()
	default:
		return http.StatusBadGateway, kind.String()
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sched.Cancel(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("request %q is not pending", id), "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promoteRequest struct {
	Priority float64 `json:"priority"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body promoteRequest
	if err := s.decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error(), "invalid")
		return
	}
	if body.Priority < 0 {
		writeError(w, http.StatusBadRequest, "priority must be >= 0", "invalid")
		return
	}
	if !s.sched.Promote(id, body.Priority) {
		writeError(w, http.StatusConflict, fmt.Sprintf("request %q is not queued", id), "not_queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "priority": body.Priority})
}

type statusResponse struct {
	sched.Status
	EstimatedWaitMS map[string]int64 `json:"estimated_wait_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lv := s.sched.Config().Levels
	waits := map[string]int64{
		"high":   s.sched.EstimatedWait(lv.High).Milliseconds(),
		"normal": s.sched.EstimatedWait(lv.Normal).Milliseconds(),
		"low":    s.sched.EstimatedWait(lv.Low).Milliseconds(),
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: s.sched.Status(), EstimatedWaitMS: waits})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.outcomes == nil {
		writeError(w, http.StatusNotFound, "outcome journal is disabled", "disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "invalid")
			return
		}
		limit = min(n, 1000)
	}
	out, err := s.outcomes.RecentOutcomes(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "storage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": out})
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEvents streams bus events as JSON text frames. ?types= takes a comma
// separated list of event type prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "event stream is disabled", "disabled")
		return
	}
	prefixes := []string{"request.", "batch."}
	if v := strings.TrimSpace(r.URL.Query().Get("types")); v != "" {
		prefixes = prefixes[:0]
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := s.bus.Subscribe(64, prefixes...)
	defer unsubscribe()

	// The read side only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
