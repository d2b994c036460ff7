package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/ineyio/keymeter"
)

type resultBody struct {
	Status bool   `json:"status"`
	Result string `json:"result"`
}

type statusBody struct {
	Status    bool   `json:"status"`
	APIKey    string `json:"apikey"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	ResetIn   string `json:"resetIn"`
}

type errorBody struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type healthBody struct {
	Status     string                     `json:"status"`
	Components []keymeter.ComponentStatus `json:"components,omitempty"`
}

func (s *Server) handleChecker(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("apikey")
	d, err := s.engine.Evaluate(r.Context(), key, s.clientID(r))
	if err != nil {
		s.internalError(w, r, "evaluate", err)
		return
	}
	if !d.Allowed {
		writeDenial(w, d)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{
		Status:    true,
		APIKey:    key,
		Limit:     d.Limit,
		Used:      d.Used,
		Remaining: d.Remaining,
		ResetIn:   d.ResetIn(),
	})
}

func (s *Server) handleUse(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Consume(r.Context(), r.URL.Query().Get("apikey"), s.clientID(r))
	if err != nil {
		s.internalError(w, r, "consume", err)
		return
	}
	if !d.Allowed {
		writeDenial(w, d)
		return
	}
	w.Header().Set("X-Usage-ID", d.ID)
	writeJSON(w, http.StatusOK, resultBody{
		Status: true,
		Result: fmt.Sprintf("API key used successfully. You have %d uses remaining.", d.Remaining),
	})
}

// handleQRCode charges one unit and then fetches the image. The unit stays
// charged if the upstream call fails.
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, text := q.Get("apikey"), q.Get("text")
	clientID := s.clientID(r)

	if text == "" {
		// Invalid key and exhausted quota still answer 401 and 403 ahead of
		// the missing text; nothing is charged either way.
		d, err := s.engine.Evaluate(r.Context(), key, clientID)
		if err != nil {
			s.internalError(w, r, "evaluate", err)
			return
		}
		if !d.Allowed {
			writeDenial(w, d)
			return
		}
		writeJSON(w, http.StatusBadRequest, resultBody{Status: false, Result: "No text provided."})
		return
	}

	d, err := s.engine.Consume(r.Context(), key, clientID)
	if err != nil {
		s.internalError(w, r, "consume", err)
		return
	}
	if !d.Allowed {
		writeDenial(w, d)
		return
	}
	w.Header().Set("X-Usage-ID", d.ID)

	if s.qr == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Message: "Error generating QR code.",
			Error:   "qr code generator not configured",
		})
		return
	}

	img, err := s.qr.Generate(r.Context(), text)
	if err != nil {
		s.engine.Health().RecordFailure(keymeter.ComponentQRCode, err)
		s.logger.Warn("qrcode upstream failed",
			"request_id", RequestID(r.Context()),
			"usage_id", d.ID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Message: "Error generating QR code.",
			Error:   err.Error(),
		})
		return
	}
	s.engine.Health().RecordSuccess(keymeter.ComponentQRCode)

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components, healthy := s.engine.Health().Snapshot()
	if healthy {
		writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "degraded", Components: components})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("quota operation failed",
		"op", op,
		"request_id", RequestID(r.Context()),
		"persistence", keymeter.IsPersistence(err),
		"error", err,
	)
	writeJSON(w, http.StatusInternalServerError, resultBody{
		Status: false,
		Result: "Internal error while recording usage. Please try again later.",
	})
}

func writeDenial(w http.ResponseWriter, d keymeter.Decision) {
	switch d.Reason {
	case keymeter.ReasonInvalidKey:
		writeJSON(w, http.StatusUnauthorized, resultBody{Status: false, Result: d.Reason.Message()})
	default:
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
		}
		msg := d.Reason.Message()
		if d.Window != keymeter.DefaultWindow {
			msg = fmt.Sprintf("API key usage limit exceeded. Please wait %s.", d.ResetIn())
		}
		writeJSON(w, http.StatusForbidden, resultBody{Status: false, Result: msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
