package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/stablepay/paywatch/core"
	"github.com/stablepay/paywatch/core/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in core.CreateSessionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed JSON body", nil)
		return
	}
	session, err := s.registry.CreateSession(in)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	session, err := s.registry.GetSession(ps.ByName("id"))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRecreateSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	session, err := s.registry.RecreateSession(ps.ByName("id"))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type listResponse struct {
	Items      interface{}   `json:"items"`
	Pagination core.PageInfo `json:"pagination"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	filter := core.SessionFilter{
		Status:      types.SessionStatus(q.Get("status")),
		Network:     q.Get("network"),
		ClientRefID: q.Get("clientRefId"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "unknown status filter", nil)
		return
	}
	var err error
	if filter.From, err = parseDate(q.Get("fromDate")); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid fromDate", nil)
		return
	}
	if filter.To, err = parseDate(q.Get("toDate")); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid toDate", nil)
		return
	}
	page, limit, err := parsePaging(q.Get("page"), q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	sessions, info, err := s.registry.ListSessions(filter, page, limit)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: sessions, Pagination: info})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	transfer, err := s.registry.GetTransfer(ps.ByName("id"))
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	filter := core.TransferFilter{
		Network:   q.Get("network"),
		SessionID: q.Get("sessionId"),
		Status:    types.TransferStatus(q.Get("status")),
	}
	page, limit, err := parsePaging(q.Get("page"), q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	transfers, info, err := s.registry.ListTransfers(filter, page, limit)
	if err != nil {
		s.writeOperationError(w, err)
		return
	}
	if transfers == nil {
		transfers = []*types.Transfer{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: transfers, Pagination: info})
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"networks": s.status.Status()})
}

// writeOperationError maps core errors onto the HTTP error envelope without
// leaking internal error strings.
func (s *Server) writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case core.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "resource not found", nil)
	case errors.Is(err, core.ErrInvalidState):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "operation not allowed in current state", nil)
	case errors.Is(err, core.ErrAddressUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeServerError, "no payment address available", nil)
	default:
		s.log.Error("Operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, codeServerError, "internal error", nil)
	}
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func parsePaging(pageStr, limitStr string) (page, limit int, err error) {
	if pageStr != "" {
		if page, err = strconv.Atoi(pageStr); err != nil {
			return 0, 0, errors.New("invalid page")
		}
	}
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return 0, 0, errors.New("invalid limit")
		}
	}
	return page, limit, nil
}
