package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/buildquote/quotecore/internal/bids"
	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/intake"
	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/stage"
)

const maxUploadBytes = 32 << 20

type sessionView struct {
	ID          string        `json:"id"`
	Phase       intake.Phase  `json:"phase"`
	Description string        `json:"description,omitempty"`
	Project     string        `json:"projectTitle,omitempty"`
	Location    string        `json:"location,omitempty"`
	Stages      []stageView   `json:"stages"`
	Totals      *stage.Totals `json:"totals,omitempty"`
	Dirty       bool          `json:"dirty"`
	Outcome     *outcomeView  `json:"outcome,omitempty"`
}

type stageView struct {
	model.Stage
	PriceLevel     string  `json:"priceLevel"`
	MedianPosition float64 `json:"medianPosition"`
	Dirty          bool    `json:"dirty"`
}

type outcomeView struct {
	BatchID   string            `json:"batchId"`
	Status    dispatch.Status   `json:"status"`
	SentCount int               `json:"sentCount"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Error     string            `json:"error,omitempty"`
	Stages    []stageResultView `json:"stages"`
}

type stageResultView struct {
	Stage      string         `json:"stage"`
	Category   model.Category `json:"category"`
	CampaignID string         `json:"campaignId,omitempty"`
	Sent       int            `json:"sent"`
	Error      string         `json:"error,omitempty"`
}

func viewOutcome(o dispatch.Outcome) *outcomeView {
	v := &outcomeView{
		BatchID:   o.BatchID.String(),
		Status:    o.Status,
		SentCount: o.SentCount,
		Succeeded: o.Succeeded,
		Failed:    o.Failed,
		Stages:    make([]stageResultView, 0, len(o.Results)),
	}
	if err := o.Err(); err != nil {
		v.Error = err.Error()
	}
	for _, r := range o.Results {
		rv := stageResultView{Stage: r.Stage, Category: r.Category, Sent: r.Sent}
		if r.Campaign != nil {
			rv.CampaignID = r.Campaign.ID
		}
		if r.Err != nil {
			rv.Error = r.Err.Error()
		}
		v.Stages = append(v.Stages, rv)
	}
	return v
}

func viewSession(id uuid.UUID, sess *intake.Session) sessionView {
	v := sessionView{
		ID:          id.String(),
		Phase:       sess.Phase(),
		Description: sess.Description(),
		Stages:      []stageView{},
	}
	if ed := sess.Editor(); ed != nil {
		res := ed.Result()
		v.Project = res.ProjectTitle
		v.Location = res.Location
		for i, st := range ed.Stages() {
			v.Stages = append(v.Stages, stageView{
				Stage:          st,
				PriceLevel:     st.PriceLevel(),
				MedianPosition: st.MedianPosition(),
				Dirty:          ed.IsDirty(i),
			})
		}
		totals := ed.Totals()
		v.Totals = &totals
		v.Dirty = ed.Dirty()
	}
	if o := sess.Outcome(); o != nil {
		v.Outcome = viewOutcome(*o)
	}
	return v
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (uuid.UUID, *intake.Session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, nil, false
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return uuid.Nil, nil, false
	}
	return id, sess, true
}

// editor returns the session's stage editor or answers 409 before a parse.
func (s *Server) editor(w http.ResponseWriter, r *http.Request) (uuid.UUID, *intake.Session, *stage.Editor, bool) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return uuid.Nil, nil, nil, false
	}
	ed := sess.Editor()
	if ed == nil {
		writeError(w, http.StatusConflict, "no parsed project in this session")
		return uuid.Nil, nil, nil, false
	}
	return id, sess, ed, true
}

func (s *Server) createSession(w http.ResponseWriter, _ *http.Request) {
	id := uuid.New()
	sess := s.newSession()
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, viewSession(id, sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.session(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) parseText(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	if err := sess.ParseText(r.Context(), body.Description); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

func (s *Server) parseFile(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer f.Close()

	if err := sess.ParseFile(r.Context(), hdr.Filename, f); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

func stageIndex(r *http.Request) (int, error) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return 0, &intake.ValidationError{Field: "index", Message: "must be an integer"}
	}
	return i, nil
}

func (s *Server) toggleStage(w http.ResponseWriter, r *http.Request) {
	id, sess, ed, ok := s.editor(w, r)
	if !ok {
		return
	}
	i, err := stageIndex(r)
	if err != nil {
		fail(w, err)
		return
	}
	if err := ed.Toggle(i); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

// setQuantity takes the raw operator text. Unusable input keeps the old value
// and is reported through "applied": false rather than as an error.
func (s *Server) setQuantity(w http.ResponseWriter, r *http.Request) {
	id, sess, ed, ok := s.editor(w, r)
	if !ok {
		return
	}
	i, err := stageIndex(r)
	if err != nil {
		fail(w, err)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, err)
		return
	}
	applied, err := ed.SetQuantity(i, body.Value)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Applied bool        `json:"applied"`
		Session sessionView `json:"session"`
	}{applied, viewSession(id, sess)})
}

func (s *Server) selectAll(w http.ResponseWriter, r *http.Request) {
	id, sess, ed, ok := s.editor(w, r)
	if !ok {
		return
	}
	ed.SelectAll()
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

func (s *Server) deselectAll(w http.ResponseWriter, r *http.Request) {
	id, sess, ed, ok := s.editor(w, r)
	if !ok {
		return
	}
	ed.DeselectAll()
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.ConfirmQuantities(r.Context()); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

// send uses the preview flow when the body names suppliers and the simple
// flow otherwise. An all-failed batch is still a 200 with status "failed".
func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Suppliers map[model.Category][]string `json:"suppliers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var (
		out dispatch.Outcome
		err error
	)
	if body.Suppliers != nil {
		out, err = sess.SendPreview(r.Context(), body.Suppliers)
	} else {
		out, err = sess.Send(r.Context())
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOutcome(out))
}

// resend answers with the outcome of the whole batch, the resent stages
// folded in.
func (s *Server) resend(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	out, err := sess.ResendFailed(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOutcome(out))
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Reset()
	writeJSON(w, http.StatusOK, viewSession(id, sess))
}

type rankedBid struct {
	model.Bid
	Rank         int           `json:"rank"`
	Verdict      model.Verdict `json:"verdict"`
	VerdictLabel string        `json:"verdictLabel"`
	Deviation    string        `json:"deviation,omitempty"`
}

type rankingView struct {
	CampaignID       string      `json:"campaignId"`
	Bids             []rankedBid `json:"bids"`
	BestBidID        string      `json:"bestBidId,omitempty"`
	AveragePrice     float64     `json:"averagePrice"`
	MinPrice         float64     `json:"minPrice"`
	MaxPrice         float64     `json:"maxPrice"`
	PotentialSavings float64     `json:"potentialSavings"`
	Mismatches       []string    `json:"mismatches,omitempty"`
}

func viewRanking(campaignID string, rk bids.Ranking) rankingView {
	v := rankingView{
		CampaignID:       campaignID,
		Bids:             make([]rankedBid, 0, len(rk.Sorted)),
		AveragePrice:     rk.AveragePrice,
		MinPrice:         rk.MinPrice,
		MaxPrice:         rk.MaxPrice,
		PotentialSavings: rk.PotentialSavings,
	}
	if rk.Best != nil {
		v.BestBidID = rk.Best.ID
	}
	for _, b := range rk.Sorted {
		verdict := bids.VerdictOf(b)
		v.Bids = append(v.Bids, rankedBid{
			Bid:          b,
			Rank:         rk.RankOf(b.ID),
			Verdict:      verdict,
			VerdictLabel: bids.Label(verdict),
			Deviation:    bids.Deviation(b),
		})
	}
	return v
}
