package apiServer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/model"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(model.Response{Success: true, Data: data}); err != nil {
		s.log.Debug("write response", logKeyError, err)
	}
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, code, msg string) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.Response{
		Error: &model.ErrorBody{Code: code, Message: msg},
	})
}

// writeError maps err onto the error taxonomy. Internal
// faults are logged and never shown to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) { // A
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		s.log.Error("request failed",
			logKeyRequestID, middleware.GetReqID(r.Context()),
			logKeyRoute, routePattern(r),
			logKeyError, err)
		msg = "internal error"
	}
	s.writeErrorBody(w, kind.HTTPStatus(), apperr.Code(err), msg)
}

// readJSON decodes a bounded JSON request body.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error { // A
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", apperr.ErrInvalidInput, maxRequestBody)
		}
		return fmt.Errorf("%w: request body: %v", apperr.ErrInvalidInput, err)
	}
	return nil
}

func routePattern(r *http.Request) string { // A
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) logRequests(next http.Handler) http.Handler { // A
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logKeyMethod, r.Method,
			logKeyRoute, routePattern(r),
			logKeyStatus, ww.Status(),
			logKeyDuration, time.Since(start),
			logKeyRequestID, middleware.GetReqID(r.Context()))
	})
}

// recoverPanics turns a panicking handler into a generic
// internal error response.
func (s *Server) recoverPanics(next http.Handler) http.Handler { // A
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("handler panic",
				logKeyPanic, fmt.Sprint(rec),
				logKeyRoute, routePattern(r),
				logKeyRequestID, middleware.GetReqID(r.Context()))
			s.writeErrorBody(w, http.StatusInternalServerError, "internal", "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}
