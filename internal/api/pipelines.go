package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildquote/quotecore/internal/bids"
	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/pipeline"
)

type pipelineView struct {
	model.Pipeline
	PausedForReview bool       `json:"pausedForReview"`
	CurrentLabel    string     `json:"currentStepLabel,omitempty"`
	Polling         bool       `json:"polling"`
	LastError       string     `json:"lastError,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

func viewPipeline(p model.Pipeline, st *pipeline.State) pipelineView {
	v := pipelineView{Pipeline: p, PausedForReview: p.IsPausedForReview()}
	if step, ok := p.Step(); ok {
		v.CurrentLabel = step.StepType.Label()
	}
	if st != nil {
		v.Polling = st.Polling
		if st.LastError != nil {
			v.LastError = st.LastError.Error()
		}
		if !st.UpdatedAt.IsZero() {
			t := st.UpdatedAt
			v.UpdatedAt = &t
		}
	}
	return v
}

func (s *Server) pipelineResponse(w http.ResponseWriter, status int, p model.Pipeline) {
	st, ok := s.pipelines.State(p.ID)
	if !ok {
		writeJSON(w, status, viewPipeline(p, nil))
		return
	}
	st.Polling = s.pipelines.IsPolling(p.ID)
	writeJSON(w, status, viewPipeline(p, &st))
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"projectId"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	if strings.TrimSpace(body.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	p, err := s.pipelines.Create(r.Context(), body.ProjectID)
	if err != nil {
		fail(w, err)
		return
	}
	s.pipelineResponse(w, http.StatusCreated, p)
}

// getPipeline serves the mirrored state. A pipeline this process has not
// seen yet is fetched once.
func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "pipelineID")
	if st, ok := s.pipelines.State(id); ok {
		st.Polling = s.pipelines.IsPolling(id)
		writeJSON(w, http.StatusOK, viewPipeline(st.Pipeline, &st))
		return
	}
	p, err := s.pipelines.Refresh(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	s.pipelineResponse(w, http.StatusOK, p)
}

func (s *Server) projectPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipelines.LoadForProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		fail(w, err)
		return
	}
	s.pipelineResponse(w, http.StatusOK, p)
}

func (s *Server) resumePipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipelines.Resume(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		fail(w, err)
		return
	}
	s.pipelineResponse(w, http.StatusOK, p)
}

func (s *Server) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipelines.Cancel(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		fail(w, err)
		return
	}
	s.pipelineResponse(w, http.StatusOK, p)
}

// getRankedBids ranks locally. With ?crosscheck=true the server comparison
// is fetched too and disagreements are listed; its failure is not fatal.
func (s *Server) getRankedBids(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	list, err := s.bids.GetCampaignBidsWithAnalysis(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	rk := bids.Rank(list)
	v := viewRanking(id, rk)

	if r.URL.Query().Get("crosscheck") == "true" {
		if cmp, err := s.bids.CompareBids(r.Context(), id); err == nil && cmp != nil {
			for _, m := range bids.CrossCheck(rk, *cmp) {
				v.Mismatches = append(v.Mismatches, m.String())
			}
		}
	}
	writeJSON(w, http.StatusOK, v)
}
