package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sealedvote/sealedvote/pkg/queue"
	"github.com/sealedvote/sealedvote/pkg/service"
	"github.com/sealedvote/sealedvote/pkg/store"
	"github.com/sealedvote/sealedvote/pkg/utils"
	"go.uber.org/zap"
)

func (a *App) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/proposals", a.handleCreateProposal).Methods(http.MethodPost)
	r.HandleFunc("/v1/proposals/{id}/close", a.handleCloseProposal).Methods(http.MethodPost)
	r.HandleFunc("/v1/proposals/{id}/tally", a.handleEnqueueTally).Methods(http.MethodPost)
	r.HandleFunc("/v1/proposals/{id}/result", a.handleTallyResult).Methods(http.MethodGet)
	r.HandleFunc("/v1/votes", a.handleSubmitVote).Methods(http.MethodPost)
	r.HandleFunc("/v1/votes/{id}", a.handleVoteStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}", a.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

type createProposalRequest struct {
	ID        string `json:"id"`
	LedgerRef string `json:"ledgerRef"`
}

func (a *App) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusUnprocessableEntity, errors.New("proposal id is required"))
		return
	}
	prop, err := a.Store.CreateProposal(r.Context(), req.ID, req.LedgerRef)
	if err != nil {
		if errors.Is(err, store.ErrProposalExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		a.Logger.Error("create proposal", zap.String("proposal", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, prop)
}

func (a *App) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	defer utils.DrainAndClose(r.Body)
	var req service.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ack, err := a.Service.EnqueueSubmission(r.Context(), req)
	switch {
	case err == nil:
		code := http.StatusAccepted
		if ack.Reused {
			code = http.StatusOK
		}
		writeJSON(w, code, ack)
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, service.ErrDuplicateVote):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrProposalClosed), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		a.Logger.Error("submit vote", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *App) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Service.VoteStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.Service.JobStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownJob):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, queue.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type tallyAck struct {
	JobID string `json:"jobId"`
}

func (a *App) handleCloseProposal(w http.ResponseWriter, r *http.Request) {
	jobID, err := a.Service.CloseProposal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, service.ErrQueueUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			a.Logger.Error("close proposal", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, tallyAck{JobID: jobID})
}

func (a *App) handleEnqueueTally(w http.ResponseWriter, r *http.Request) {
	jobID, err := a.Service.EnqueueTally(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrValidation):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, service.ErrQueueUnavailable):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			a.Logger.Error("enqueue tally", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, tallyAck{JobID: jobID})
}

type tallyResultResponse struct {
	ProposalID  string  `json:"proposalId"`
	VoteCount   uint64  `json:"voteCount"`
	TallyHandle string  `json:"tallyHandle"`
	TallyTxRef  string  `json:"tallyTxRef,omitempty"`
	Plaintext   *uint64 `json:"plaintext,omitempty"`
}

// handleTallyResult serves a finished tally. The handle itself is always
// returned; the decrypted value is included when an encryptor is configured,
// since only it can open publicly decryptable handles.
func (a *App) handleTallyResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	prop, err := a.Store.GetProposal(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if prop.Open || prop.TallyHandle == nil {
		writeError(w, http.StatusConflict, errors.New("tally not available yet"))
		return
	}

	resp := tallyResultResponse{
		ProposalID:  prop.ID,
		VoteCount:   prop.VoteCount,
		TallyHandle: *prop.TallyHandle,
	}
	if prop.TallyTxRef != nil {
		resp.TallyTxRef = *prop.TallyTxRef
	}
	if a.Encryptor != nil {
		plaintext, err := a.Encryptor.DecryptPublic(r.Context(), *prop.TallyHandle)
		if err != nil {
			a.Logger.Error("decrypt tally result",
				zap.String("proposal", id), zap.Error(err))
			writeError(w, http.StatusBadGateway, err)
			return
		}
		resp.Plaintext = &plaintext
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Redis.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
