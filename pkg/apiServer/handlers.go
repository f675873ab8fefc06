package apiServer

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/interfaces"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

type healthResponse struct {
	NodeID   string                `json:"nodeId"`
	Peers    []interfaces.PeerInfo `json:"peers"`
	Sessions int                   `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) { // A
	resp := healthResponse{
		NodeID: s.deps.NodeID,
		Peers:  []interfaces.PeerInfo{},
	}
	if s.deps.Peers != nil {
		if peers := s.deps.Peers(); peers != nil {
			resp.Peers = peers
		}
	}
	if s.deps.Relay != nil {
		resp.Sessions = s.deps.Relay.Sessions().Count()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) { // A
	ch, err := s.challenges.Issue(r.URL.Query().Get("pk"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

// Records

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) { // A
	rec, err := s.deps.Records.ResolveByKey(r.Context(), chi.URLParam(r, "pk"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handlePutRecord stores a signed record. Signature and
// updatedAt may be omitted from the body, in which case
// the header values are used.
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) { // A
	pk := chi.URLParam(r, "pk")
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireOwner(sr, pk); err != nil {
		s.writeError(w, r, err)
		return
	}

	var rec model.IdentityRecord
	if err := readJSON(w, r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.PublicKeyRoot == "" {
		rec.PublicKeyRoot = pk
	}
	if rec.Signature == "" {
		rec.Signature = sr.Signature
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = sr.Timestamp
	}
	switch {
	case rec.PublicKeyRoot != pk:
		err = fmt.Errorf("%w: body key does not match path", apperr.ErrInvalidInput)
	case rec.Signature != sr.Signature:
		err = fmt.Errorf("%w: body signature does not match header", apperr.ErrInvalidSignature)
	case rec.UpdatedAt != sr.Timestamp:
		err = fmt.Errorf("%w: updatedAt does not match timestamp header", apperr.ErrInvalidInput)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stored, err := s.deps.Records.Upsert(r.Context(), rec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) { // A
	pk := chi.URLParam(r, "pk")
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireOwner(sr, pk); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Records.Delete(r.Context(), pk, sr.Timestamp, sr.Signature); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"publicKeyRoot": pk,
		"deletedAt":     sr.Timestamp,
	})
}

// Aliases

func (s *Server) handleCheckAlias(w http.ResponseWriter, r *http.Request) { // A
	handle := r.URL.Query().Get("check")
	if handle == "" {
		s.writeError(w, r, fmt.Errorf("%w: check parameter is required", apperr.ErrInvalidInput))
		return
	}
	status, err := s.deps.Handles.CheckAvailability(r.Context(), handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleResolveAlias(w http.ResponseWriter, r *http.Request) { // A
	rec, err := s.deps.Records.ResolveByHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleClaimAlias(w http.ResponseWriter, r *http.Request) { // A
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claim, err := s.deps.Handles.Claim(
		r.Context(),
		chi.URLParam(r, "handle"),
		sr.PublicKey,
		sr.Timestamp,
		sr.Signature,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleReserveAlias(w http.ResponseWriter, r *http.Request) { // A
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	claim, err := s.deps.Handles.Reserve(
		r.Context(),
		chi.URLParam(r, "handle"),
		sr.PublicKey,
		sr.Timestamp,
		sr.Signature,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, claim)
}

// Epochs

func epochIndex(r *http.Request) (int64, error) { // A
	raw := chi.URLParam(r, "index")
	idx, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: epoch index %q", apperr.ErrInvalidInput, raw)
	}
	return idx, nil
}

func (s *Server) handleListEpochs(w http.ResponseWriter, r *http.Request) { // A
	list, err := s.deps.Epochs.List(r.Context(), chi.URLParam(r, "pk"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) { // A
	idx, err := epochIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.deps.Epochs.Get(r.Context(), chi.URLParam(r, "pk"), idx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

type publishEpochRequest struct {
	CommitmentHash string `json:"commitmentHash"`
}

func (s *Server) handlePublishEpoch(w http.ResponseWriter, r *http.Request) { // A
	pk := chi.URLParam(r, "pk")
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireOwner(sr, pk); err != nil {
		s.writeError(w, r, err)
		return
	}
	idx, err := epochIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req publishEpochRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	e, err := s.deps.Epochs.Publish(
		r.Context(), pk, idx, strings.ToLower(req.CommitmentHash), sr.Signature,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

// Messages

type sendRequest struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// handleSend queues an envelope from the signing key to
// the path key. The timestamp header is the envelope's
// createdAt.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) { // A
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req sendRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	env, err := s.deps.Relay.Send(r.Context(), model.Envelope{
		FromPublicKey: sr.PublicKey,
		ToPublicKey:   chi.URLParam(r, "to"),
		Ciphertext:    req.Ciphertext,
		Nonce:         req.Nonce,
		Signature:     sr.Signature,
		CreatedAt:     sr.Timestamp,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) { // A
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !verify.Verify(
		sr.PublicKey,
		verify.InboxPayload(sr.PublicKey, sr.Timestamp),
		sr.Signature,
	) {
		s.writeError(w, r, fmt.Errorf("%w: inbox request", apperr.ErrInvalidSignature))
		return
	}
	envs, err := s.deps.Relay.Inbox(r.Context(), sr.PublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) { // A
	sr, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	err = s.deps.Relay.Ack(r.Context(), id, sr.PublicKey, sr.Timestamp, sr.Signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
