package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/catchup"
	"github.com/syncwire/syncwire/internal/delivery"
	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/sequence"
	"github.com/syncwire/syncwire/internal/snapshot"
)

// Server implements the HTTP handlers over the delivery core.
type Server struct {
	committer *delivery.Committer
	fetcher   *catchup.Service
	seq       *sequence.Store
	snapshots *snapshot.Encoder
	logger    *zap.Logger
}

func NewServer(committer *delivery.Committer, fetcher *catchup.Service, seq *sequence.Store, snapshots *snapshot.Encoder, logger *zap.Logger) *Server {
	return &Server{
		committer: committer,
		fetcher:   fetcher,
		seq:       seq,
		snapshots: snapshots,
		logger:    logger,
	}
}

type commitRequest struct {
	UserID    string          `json:"userId"`
	Channel   string          `json:"channel"`
	StepCount uint64          `json:"stepCount"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type catchUpResponse struct {
	Events         []eventlog.Event `json:"events,omitempty"`
	ResyncRequired bool             `json:"resyncRequired,omitempty"`
	Sequence       uint64           `json:"sequence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleCommit is the inbound event-commit interface for producers.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	ch, err := eventlog.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.StepCount == 0 {
		req.StepCount = 1
	}

	ev, err := s.committer.Commit(r.Context(), req.UserID, ch, req.StepCount, req.Payload)
	if err != nil {
		if errors.Is(err, sequence.ErrAllocationRace) {
			// Allocation for this key is halted pending investigation.
			writeError(w, http.StatusConflict, err)
			return
		}
		s.logger.Error("commit failed",
			zap.String("userID", req.UserID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) queryKey(r *http.Request) (string, eventlog.Channel, error) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		return "", "", errors.New("userId is required")
	}
	ch, err := eventlog.ParseChannel(r.URL.Query().Get("channel"))
	if err != nil {
		return "", "", err
	}
	return userID, ch, nil
}

// handleCatchUp serves the client-facing catch-up request: given a last
// known sequence, return everything committed since, or tell the client to
// resync when the gap is not worth incremental recovery.
func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	userID, ch, err := s.queryKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lastKnown, err := strconv.ParseUint(r.URL.Query().Get("lastKnownSequence"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parsing lastKnownSequence: %w", err))
		return
	}

	current, err := s.seq.Current(userID, string(ch))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lastKnown >= current {
		if lastKnown > current {
			// Client claims a future position; its state is inconsistent.
			writeJSON(w, http.StatusOK, catchUpResponse{ResyncRequired: true, Sequence: current})
			return
		}
		writeJSON(w, http.StatusOK, catchUpResponse{Sequence: current})
		return
	}

	events, err := s.fetcher.FetchRange(r.Context(), catchup.Range{
		UserID:        userID,
		Channel:       ch,
		FromExclusive: lastKnown,
		ToInclusive:   current,
	})
	if err != nil {
		if errors.Is(err, catchup.ErrRangeTooLarge) || errors.Is(err, catchup.ErrIncompleteRange) {
			writeJSON(w, http.StatusOK, catchUpResponse{ResyncRequired: true, Sequence: current})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, catchUpResponse{Events: events, Sequence: current})
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	userID, ch, err := s.queryKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	current, err := s.seq.Current(userID, string(ch))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"sequence": current})
}

type resetRequest struct {
	UserID  string `json:"userId"`
	Channel string `json:"channel"`
}

// handleReset is administrative-only and fails outside maintenance mode.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	ch, err := eventlog.ParseChannel(req.Channel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.seq.Reset(req.UserID, string(ch)); err != nil {
		if errors.Is(err, sequence.ErrPermissionDenied) {
			writeError(w, http.StatusForbidden, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResync streams a compressed full-state snapshot: the fallback when
// a gap is too large or the log cannot cover it.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	userID, ch, err := s.queryKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	current, err := s.snapshots.WriteSnapshot(r.Context(), w, userID, ch)
	if err != nil {
		s.logger.Error("snapshot failed",
			zap.String("userID", userID),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("resync served",
		zap.String("userID", userID),
		zap.String("channel", string(ch)),
		zap.Uint64("sequence", current),
	)
}
