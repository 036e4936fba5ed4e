package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nhalm/badgecount/bind"
	"github.com/nhalm/badgecount/counter"
	"github.com/nhalm/badgecount/identity"
	"github.com/nhalm/badgecount/wrapper"
)

const projectTag = "required,max=256"

// counterQuery holds the query parameters shared by /counter and /badge.
type counterQuery struct {
	Project   string `query:"project" validate:"required,max=256"`
	Label     string `query:"label" validate:"max=64"`
	Color     string `query:"color" validate:"omitempty,badgecolor"`
	Style     string `query:"style" validate:"omitempty,badgestyle"`
	Logo      string `query:"logo" validate:"max=64"`
	LogoColor string `query:"logoColor" validate:"omitempty,badgecolor"`
	Base      int64  `query:"base" validate:"max=1000000000000"`
}

func (q counterQuery) visit(r *http.Request) counter.VisitRequest {
	return counter.VisitRequest{
		Project:   q.Project,
		Label:     q.Label,
		Color:     q.Color,
		Style:     q.Style,
		Logo:      q.Logo,
		LogoColor: q.LogoColor,
		Base:      q.Base,
		Identity:  identity.Resolve(r).IP,
	}
}

type visitResponse struct {
	Success bool `json:"success"`
	*counter.VisitResult
}

type countResponse struct {
	Success bool `json:"success"`
	*counter.CountResult
}

type resetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Project string `json:"project"`
}

type statsResponse struct {
	Success bool `json:"success"`
	*counter.StatsResult
}

func (s *Server) counter(_ http.ResponseWriter, r *http.Request) {
	var q counterQuery
	if !bind.Query(r, &q) {
		return
	}
	wrapper.LogField(r, "project", q.Project)

	res, err := s.svc.Visit(r.Context(), q.visit(r))
	if err != nil {
		serviceError(r, err)
		return
	}

	wrapper.LogField(r, "is_new_visitor", res.IsNewVisitor)
	wrapper.SetResponse(r, http.StatusOK, visitResponse{Success: true, VisitResult: res})
}

func (s *Server) badge(_ http.ResponseWriter, r *http.Request) {
	var q counterQuery
	if !bind.Query(r, &q) {
		return
	}
	wrapper.LogField(r, "project", q.Project)

	url, degraded, err := s.svc.Badge(r.Context(), q.visit(r))
	if err != nil {
		serviceError(r, err)
		return
	}
	if degraded {
		wrapper.LogField(r, "badge_degraded", true)
	}

	wrapper.SetHeader(r, "Cache-Control", "no-cache, no-store, must-revalidate")
	wrapper.SetRedirect(r, url)
}

func (s *Server) count(_ http.ResponseWriter, r *http.Request) {
	project, ok := bind.Param(r, "project", projectTag)
	if !ok {
		return
	}
	wrapper.LogField(r, "project", project)

	res, err := s.svc.Count(r.Context(), project)
	if err != nil {
		serviceError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, countResponse{Success: true, CountResult: res})
}

func (s *Server) reset(_ http.ResponseWriter, r *http.Request) {
	project, ok := bind.Param(r, "project", projectTag)
	if !ok {
		return
	}
	wrapper.LogField(r, "project", project)

	if err := s.svc.Reset(r.Context(), project); err != nil {
		serviceError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, resetResponse{
		Success: true,
		Message: fmt.Sprintf("Visitor count reset for project: %s", project),
		Project: project,
	})
}

func (s *Server) stats(_ http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Stats(r.Context())
	if err != nil {
		serviceError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, statsResponse{Success: true, StatsResult: res})
}

// serviceError maps a counter.Service error to a response. Store detail goes
// to the log line only.
func serviceError(r *http.Request, err error) {
	if errors.Is(err, counter.ErrProjectRequired) {
		wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("Project parameter is required", "project"))
		return
	}
	wrapper.LogError(r, err)
	wrapper.SetError(r, wrapper.ErrInternal)
}
