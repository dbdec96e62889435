package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/export"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/loader"
	"github.com/xtxerr/tubewatch/internal/logging"
	"github.com/xtxerr/tubewatch/internal/sampler"
	"github.com/xtxerr/tubewatch/internal/stream"
	"github.com/xtxerr/tubewatch/internal/wire"
)

// ConnectFailedMessage is the action error reported when the broker
// cannot be reached.
const ConnectFailedMessage = "Failed to connect"

// ActionResponse is the body of POST /api/action.
type ActionResponse struct {
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Sampler *sampler.Status     `json:"sampler,omitempty"`
	History history.BufferStats `json:"history"`
	Config  loader.Summary      `json:"config"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	OK        bool `json:"ok"`
	Connected bool `json:"connected"`
	Samples   int  `json:"samples"`
}

// =============================================================================
// Stats stream
// =============================================================================

// parseStreamRequest reads block, duration and since from the query.
func (s *Server) parseStreamRequest(r *http.Request) (stream.Request, wire.Format, error) {
	q := r.URL.Query()
	req := stream.Request{Block: q.Get("block") != "0"}

	if v := q.Get("duration"); v != "" {
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil || sec < 0 {
			return req, 0, errors.NewBadRequest("duration", v, "expected non-negative seconds")
		}
		req.Duration = time.Duration(sec * float64(time.Second))
		if req.Duration > s.cfg.MaxStreamDuration {
			req.Duration = s.cfg.MaxStreamDuration
		}
	}

	since, err := parseSince(q.Get("since"))
	if err != nil {
		return req, 0, err
	}
	req.Since = since

	format, err := wire.ParseFormat(q.Get("format"), r.Header.Get("Accept"))
	if err != nil {
		return req, 0, errors.Mark(errors.ErrBadRequest, err, "parameter format")
	}
	return req, format, nil
}

func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, errors.NewBadRequest("since", v, "expected epoch seconds")
	}
	return history.FromUnix(sec), nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	req, format, err := s.parseStreamRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	logger := logging.WithContext(ctx, log)
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StreamOpened()
		defer s.cfg.Metrics.StreamClosed()
	}

	enc := wire.NewEncoder(w, format)
	sent := 0
	err = stream.New(s.hist, req).Each(ctx, func(batch []history.Sample) error {
		for _, sample := range batch {
			if err := enc.Encode(sample); err != nil {
				return err
			}
		}
		sent += len(batch)
		return rc.Flush()
	})
	if err != nil && ctx.Err() == nil {
		logger.Debug("stream aborted", "error", err, "sent", sent)
		return
	}
	logger.Debug("stream closed", "sent", sent, "format", format.String())
}

// =============================================================================
// Actions
// =============================================================================

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context(), log)

	var act broker.Action
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxActionBody)
	if err := json.NewDecoder(body).Decode(&act); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		err = errors.Mark(errors.ErrBadRequest, err, "decode action")
		writeJSON(w, http.StatusBadRequest, ActionResponse{Error: err.Error()})
		return
	}

	n, err := s.admin.Execute(r.Context(), act)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveAction(string(act.Name), err)
	}
	if err == nil {
		writeJSON(w, http.StatusOK, ActionResponse{OK: true, Count: n})
		return
	}

	resp := ActionResponse{Count: n, Error: err.Error()}
	if errors.Is(err, errors.ErrConnect) {
		resp.Error = ConnectFailedMessage
	}
	logger.Debug("action failed", "action", act.String(), "error", err)
	writeJSON(w, errors.HTTPStatus(err), resp)
}

// =============================================================================
// Status, export, health
// =============================================================================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		History: s.hist.Stats(),
		Config:  s.cfg.Summary,
	}
	if s.cfg.Status != nil {
		st := s.cfg.Status.Status()
		resp.Sampler = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.cfg.Exporter.Export(since)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveExport(err)
	}
	if err != nil {
		logging.WithContext(r.Context(), log).Error("export failed", "error", err)
		writeError(w, err)
		return
	}

	name := "tubewatch-" + strconv.FormatInt(time.Now().Unix(), 10) + ".parquet"
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set(HeaderExportRows, strconv.FormatInt(res.Rows, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// HeaderExportRows carries the number of rows in an export.
const HeaderExportRows = "X-Export-Rows"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.hist.Latest()
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:        true,
		Connected: ok && latest.Connected,
		Samples:   s.hist.Len(),
	})
}

// =============================================================================
// Helpers
// =============================================================================

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response", "error", err)
	}
}
