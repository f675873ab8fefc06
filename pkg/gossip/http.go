package gossip

import (
	"net/http"
	"strconv"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/model"
)

// HandlePull serves GET /sync/{rt}?since=&after=&limit=.
func (s *Service) HandlePull(rt model.ResourceType) http.HandlerFunc { // A
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var after model.Cursor
		if v := q.Get("since"); v != "" {
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ts < 0 {
				s.writeError(w, r, apperr.ErrInvalidInput, "since must be a non-negative integer")
				return
			}
			after.Timestamp = ts
		}
		after.ID = q.Get("after")
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				s.writeError(w, r, apperr.ErrInvalidInput, "limit must be an integer")
				return
			}
			limit = n
		}

		page, err := s.Page(r.Context(), rt, after, limit)
		if err != nil {
			s.writeError(w, r, err, "")
			return
		}
		s.write(w, r, http.StatusOK, model.Response{Success: true, Data: page})
	}
}

// HandlePush serves POST /sync/push.
func (s *Service) HandlePush(w http.ResponseWriter, r *http.Request) { // A
	var batch model.PushBatch
	if err := DecodeBody(r.Body, r.Header.Get("Content-Encoding"), &batch); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if batch.NodeID == "" {
		batch.NodeID = r.Header.Get(HeaderNodeID)
	}
	results, err := s.Push(r.Context(), batch)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	s.write(w, r, http.StatusOK, model.Response{Success: true, Data: results})
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) { // A
	kind := apperr.KindOf(err)
	if msg == "" {
		msg = err.Error()
	}
	if kind == apperr.KindInternal {
		s.log.Error("sync request failed", logKeyError, err)
		msg = "internal error"
	}
	s.write(w, r, kind.HTTPStatus(), model.Response{
		Error: &model.ErrorBody{Code: apperr.Code(err), Message: msg},
	})
}

func (s *Service) write(w http.ResponseWriter, r *http.Request, status int, v any) { // A
	if err := WriteBody(w, r, status, v); err != nil {
		s.log.Debug("write sync response", logKeyError, err)
	}
}
