package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

// signalRequest is a signal as accepted over HTTP. Omitted fields take the
// same defaults as a rule document.
type signalRequest struct {
	Pattern         string `json:"pattern"`
	Weight          int    `json:"weight"`
	Location        string `json:"location,omitempty"`
	PatternType     string `json:"patternType,omitempty"`
	Description     string `json:"description,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
	MaxContribution *int   `json:"maxContribution,omitempty"`
}

// RuleRequest is the request body for creating, updating and reviewing a
// category rule.
type RuleRequest struct {
	CategoryName           string   `json:"categoryName"`
	OutlookCategory        string   `json:"outlookCategory"`
	Threshold              *int     `json:"threshold,omitempty"`
	ScoringMethod          string   `json:"scoringMethod,omitempty"`
	WeakSignalCap          *int     `json:"weakSignalCap,omitempty"`
	MediumSignalMultiplier *float64 `json:"mediumSignalMultiplier,omitempty"`
	Enabled                *bool    `json:"enabled,omitempty"`

	StrongSignals     []signalRequest `json:"strongSignals,omitempty"`
	MediumSignals     []signalRequest `json:"mediumSignals,omitempty"`
	WeakSignals       []signalRequest `json:"weakSignals,omitempty"`
	NegativeSignals   []signalRequest `json:"negativeSignals,omitempty"`
	AttachmentSignals []signalRequest `json:"attachmentSignals,omitempty"`

	CoOccurrenceBonuses []domain.CoOccurrenceBonus `json:"coOccurrenceBonuses,omitempty"`
}

// Rule converts the request into a category rule.
func (req *RuleRequest) Rule() (*domain.CategoryRule, error) {
	rule := domain.NewCategoryRule(req.CategoryName, req.OutlookCategory)
	if rule.OutlookCategory == "" {
		rule.OutlookCategory = rule.CategoryName
	}
	if req.Threshold != nil {
		rule.Threshold = *req.Threshold
	}
	if req.WeakSignalCap != nil {
		rule.WeakSignalCap = *req.WeakSignalCap
	}
	if req.MediumSignalMultiplier != nil {
		rule.MediumSignalMultiplier = *req.MediumSignalMultiplier
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.ScoringMethod != "" {
		method, err := domain.ParseScoringMethod(req.ScoringMethod)
		if err != nil {
			return nil, &domain.ValidationError{Field: "scoring_method", Message: err.Error()}
		}
		rule.ScoringMethod = method
	}

	tiers := map[domain.Tier][]signalRequest{
		domain.TierStrong:     req.StrongSignals,
		domain.TierMedium:     req.MediumSignals,
		domain.TierWeak:       req.WeakSignals,
		domain.TierNegative:   req.NegativeSignals,
		domain.TierAttachment: req.AttachmentSignals,
	}
	for _, tier := range domain.Tiers {
		signals, err := signalsFromRequest(tier, tiers[tier])
		if err != nil {
			return nil, err
		}
		rule.SetSignals(tier, signals)
	}

	for _, b := range req.CoOccurrenceBonuses {
		if b.ProximityWords == 0 {
			b.ProximityWords = domain.DefaultProximityWords
		}
		rule.CoOccurrenceBonuses = append(rule.CoOccurrenceBonuses, b)
	}
	return rule, nil
}

func signalsFromRequest(tier domain.Tier, reqs []signalRequest) ([]domain.Signal, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	signals := make([]domain.Signal, len(reqs))
	for i, s := range reqs {
		location := domain.LocationAnywhere
		if s.Location != "" {
			loc, err := domain.ParseLocation(s.Location)
			if err != nil {
				return nil, &domain.ValidationError{
					Field:   fmt.Sprintf("%s_signals[%d].location", tier, i),
					Message: err.Error(),
				}
			}
			location = loc
		}

		patternType := domain.ParsePatternType(s.PatternType)
		if s.PatternType == "" {
			patternType = domain.PatternSubstring
		}

		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}

		signals[i] = domain.Signal{
			Pattern:         s.Pattern,
			Weight:          s.Weight,
			Location:        location,
			PatternType:     patternType,
			Tier:            tier,
			Description:     s.Description,
			Enabled:         enabled,
			MaxContribution: s.MaxContribution,
		}
	}
	return signals, nil
}

func decodeRule(r *http.Request) (*domain.CategoryRule, error) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, &domain.ValidationError{Message: "invalid JSON request body"}
	}
	return req.Rule()
}

// ListRules returns the rules loaded in the engine, disabled ones included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule returns a stored category by name.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireCategories(w) {
		return
	}
	rule, err := h.categories.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new category.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireCategories(w) {
		return
	}
	rule, err := decodeRule(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	path, err := h.categories.Create(rule)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
		"path": path,
	})
}

// UpdateRule replaces a stored category.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireCategories(w) {
		return
	}
	rule, err := decodeRule(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := h.categories.Update(chi.URLParam(r, "name"), rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
}

// DeleteRule removes a stored category.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireCategories(w) {
		return
	}
	if err := h.categories.Delete(chi.URLParam(r, "name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableRule handles POST /rules/{name}/enable.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableRule handles POST /rules/{name}/disable.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if !h.requireCategories(w) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.categories.SetEnabled(name, enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categoryName": name,
		"enabled":      enabled,
	})
}

// ReloadRules reloads every document from the rules directory.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireCategories(w) {
		return
	}
	loaded, err := h.categories.Reload()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded",
		"count":   len(loaded),
	})
}

// Problem is one advisory finding about a rule.
type Problem struct {
	Field   string   `json:"field,omitempty"`
	Message string   `json:"message"`
	Tiers   []string `json:"tiers,omitempty"`
}

// RuleReview lists the problems found in one rule.
type RuleReview struct {
	CategoryName string    `json:"categoryName"`
	Path         string    `json:"path,omitempty"`
	Problems     []Problem `json:"problems"`
}

// ReviewRules reviews the posted rule, or every stored rule when the body
// is empty. ?labels=a,b also checks target labels against that list.
func (h *Handler) ReviewRules(w http.ResponseWriter, r *http.Request) {
	var labels []string
	if v := r.URL.Query().Get("labels"); v != "" {
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, err)
		return
	}

	if len(strings.TrimSpace(string(body))) > 0 {
		var req RuleRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
		rule, err := req.Rule()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reviews": []RuleReview{review(rule, "", labels)},
		})
		return
	}

	if !h.requireCategories(w) {
		return
	}
	results, err := h.categories.Store().Scan()
	if err != nil {
		writeErr(w, err)
		return
	}

	reviews := []RuleReview{}
	for _, res := range results {
		if res.Err != nil {
			var verr *domain.ValidationError
			p := Problem{Message: res.Err.Error()}
			if errors.As(res.Err, &verr) {
				p = Problem{Field: verr.Field, Message: verr.Message, Tiers: verr.Tiers}
			}
			reviews = append(reviews, RuleReview{Path: res.Path, Problems: []Problem{p}})
			continue
		}
		reviews = append(reviews, review(res.Rule, res.Path, labels))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func review(rule *domain.CategoryRule, path string, labels []string) RuleReview {
	out := RuleReview{CategoryName: rule.CategoryName, Path: path, Problems: []Problem{}}
	for _, p := range rules.Review(rule, labels) {
		out.Problems = append(out.Problems, Problem{Field: p.Field, Message: p.Message, Tiers: p.Tiers})
	}
	return out
}

func (h *Handler) requireCategories(w http.ResponseWriter) bool {
	if h.categories == nil {
		writeError(w, http.StatusServiceUnavailable, "rule store not available")
		return false
	}
	return true
}
