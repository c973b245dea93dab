// Package api exposes the scheduler over HTTP. Callers identify themselves
// with the X-User-ID and X-Sender-Email headers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"PaceMail/internal/csvparser"
	"PaceMail/internal/models"
	"PaceMail/internal/queue"
	"PaceMail/internal/scheduler"
	"PaceMail/internal/zones"
)

const (
	headerUserID = "X-User-ID"
	headerSender = "X-Sender-Email"

	maxUploadBytes = 10 << 20
)

type DeadLetters interface {
	Failed(ctx context.Context, userID int64, limit int) ([]queue.FailedEntry, error)
}

type Handler struct {
	planner    *scheduler.Planner
	dead       DeadLetters
	maxCSVRows int
	log        *zap.Logger
}

func NewHandler(p *scheduler.Planner, dead DeadLetters, maxCSVRows int, logger *zap.Logger) *Handler {
	return &Handler{planner: p, dead: dead, maxCSVRows: maxCSVRows, log: logger}
}

type identity struct {
	userID int64
	sender string
}

type scheduleBody struct {
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	Recipients   []string `json:"recipients"`
	StartTime    string   `json:"startTime"`
	DelayBetween float64  `json:"delayBetween"`
	HourlyLimit  int      `json:"hourlyLimit"`
	ZoneID       string   `json:"zoneId"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"zones": zones.List()})
}

func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	var body scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h.schedule(w, r, id, body)
}

// ScheduleCSV takes the recipients from an uploaded file and the rest of
// the request from form fields.
func (h *Handler) ScheduleCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	recipients, err := csvparser.ParseRecipients(file, h.maxCSVRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	delay, err := strconv.ParseFloat(r.FormValue("delayBetween"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "delayBetween must be a number")
		return
	}
	limit, err := strconv.Atoi(r.FormValue("hourlyLimit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "hourlyLimit must be an integer")
		return
	}

	h.schedule(w, r, id, scheduleBody{
		Subject:      r.FormValue("subject"),
		Body:         r.FormValue("body"),
		Recipients:   recipients,
		StartTime:    r.FormValue("startTime"),
		DelayBetween: delay,
		HourlyLimit:  limit,
		ZoneID:       r.FormValue("zoneId"),
	})
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, id identity, body scheduleBody) {
	req, err := body.toRequest(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.planner.Schedule(r.Context(), req)
	if err != nil {
		h.fail(w, "schedule failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"scheduled": n})
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, scheduler.ViewScheduled)
}

func (h *Handler) ListSent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, scheduler.ViewHistory)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, view scheduler.View) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	recs, err := h.planner.List(r.Context(), id.userID, view)
	if err != nil {
		h.fail(w, "list emails failed", err)
		return
	}
	if recs == nil {
		recs = []models.EmailRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"emails": recs})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	emailID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email id")
		return
	}

	if err := h.planner.Cancel(r.Context(), id.userID, emailID); err != nil {
		h.fail(w, "cancel failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListFailedJobs returns the caller's dead-letter entries.
func (h *Handler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	items, err := h.dead.Failed(r.Context(), id.userID, limit)
	if err != nil {
		h.fail(w, "list failed jobs failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (identity, bool) {
	userID, err := strconv.ParseInt(r.Header.Get(headerUserID), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+headerUserID)
		return identity{}, false
	}

	sender := strings.TrimSpace(r.Header.Get(headerSender))
	if !validAddress(sender) {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+headerSender)
		return identity{}, false
	}

	return identity{userID: userID, sender: sender}, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "email not found")
	default:
		h.log.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (b scheduleBody) toRequest(id identity) (scheduler.Request, error) {
	if strings.TrimSpace(b.Subject) == "" {
		return scheduler.Request{}, errors.New("subject is required")
	}
	if strings.TrimSpace(b.Body) == "" {
		return scheduler.Request{}, errors.New("body is required")
	}
	if len(b.Recipients) == 0 {
		return scheduler.Request{}, errors.New("at least one recipient is required")
	}
	for _, to := range b.Recipients {
		if !validAddress(to) {
			return scheduler.Request{}, fmt.Errorf("invalid recipient %q", to)
		}
	}

	start, err := time.Parse(time.RFC3339, b.StartTime)
	if err != nil {
		return scheduler.Request{}, errors.New("startTime must be an RFC 3339 timestamp")
	}
	if b.DelayBetween < 1 {
		return scheduler.Request{}, errors.New("delayBetween must be at least 1")
	}
	if b.HourlyLimit < 1 {
		return scheduler.Request{}, errors.New("hourlyLimit must be at least 1")
	}
	if b.ZoneID != "" && !zones.Valid(b.ZoneID) {
		return scheduler.Request{}, fmt.Errorf("unknown zoneId %q", b.ZoneID)
	}

	return scheduler.Request{
		Subject:      b.Subject,
		Body:         b.Body,
		Recipients:   b.Recipients,
		StartTime:    start,
		DelayBetween: b.DelayBetween,
		HourlyLimit:  b.HourlyLimit,
		ZoneID:       b.ZoneID,
		SenderEmail:  id.sender,
		UserID:       id.userID,
	}, nil
}

// validAddress accepts a bare address only, no display name.
func validAddress(s string) bool {
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
