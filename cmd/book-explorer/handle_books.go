package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	oauth "github.com/tijs/book-explorer/oauth"
	"github.com/tijs/book-explorer/records"
)

// bookSession loads the oauth session for the browser cookie's DID. Sessions
// without DPoP key material (persisted before key support) count as logged
// out and force re-authentication.
func (s *Server) bookSession(e echo.Context) (*oauth.Session, bool, error) {
	sess, err := session.Get("session", e)
	if err != nil {
		return nil, false, err
	}

	did, ok := sess.Values["did"].(string)
	if !ok || did == "" {
		return nil, false, nil
	}

	oauthSession, err := s.store.GetSession(e.Request().Context(), did)
	if err != nil {
		if errors.Is(err, oauth.ErrSessionNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if !oauthSession.Usable() {
		return nil, false, nil
	}

	return oauthSession, true, nil
}

func (s *Server) handleListBooks(e echo.Context) error {
	oauthSession, authed, err := s.bookSession(e)
	if err != nil {
		return err
	}
	if !authed {
		return unauthenticated(e)
	}

	limit := 50
	if l := e.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	out, _, err := s.records.List(
		e.Request().Context(), oauthSession, s.collection, limit, e.QueryParam("cursor"),
	)
	if err != nil {
		return apiError(e, err)
	}

	return e.JSON(200, out)
}

func (s *Server) handleGetBook(e echo.Context) error {
	oauthSession, authed, err := s.bookSession(e)
	if err != nil {
		return err
	}
	if !authed {
		return unauthenticated(e)
	}

	rec, _, err := s.records.Get(e.Request().Context(), oauthSession, s.collection, e.Param("rkey"))
	if err != nil {
		return apiError(e, err)
	}

	return e.JSON(200, rec)
}

func (s *Server) handlePutBook(e echo.Context) error {
	oauthSession, authed, err := s.bookSession(e)
	if err != nil {
		return err
	}
	if !authed {
		return unauthenticated(e)
	}

	var value json.RawMessage
	if err := json.NewDecoder(e.Request().Body).Decode(&value); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "body is not valid json"})
	}

	out, _, err := s.records.Put(
		e.Request().Context(), oauthSession, s.collection,
		e.Param("rkey"), value, e.QueryParam("swap"),
	)
	if err != nil {
		return apiError(e, err)
	}

	return e.JSON(200, out)
}

func (s *Server) handleBulkUpdate(e echo.Context) error {
	oauthSession, authed, err := s.bookSession(e)
	if err != nil {
		return err
	}
	if !authed {
		return unauthenticated(e)
	}

	var items []records.UpdateItem
	if err := json.NewDecoder(e.Request().Body).Decode(&items); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "body is not a list of updates"})
	}

	result := s.records.BulkUpdate(e.Request().Context(), oauthSession, s.collection, items)

	return e.JSON(200, result)
}

func unauthenticated(e echo.Context) error {
	return e.JSON(http.StatusUnauthorized, map[string]string{
		"error": "unauthenticated",
		"hint":  "log in again at /login",
	})
}

// apiError maps core errors onto response codes: auth failures prompt
// re-login, conflicts prompt a data refresh, everything else passes the
// remote payload through for diagnostics.
func apiError(e echo.Context, err error) error {
	switch {
	case errors.Is(err, oauth.ErrUnauthenticated),
		errors.Is(err, oauth.ErrRefreshFailed),
		errors.Is(err, oauth.ErrTokenExpired):
		return unauthenticated(e)
	case errors.Is(err, oauth.ErrRecordConflict):
		return e.JSON(http.StatusConflict, map[string]string{
			"error": "conflict",
			"hint":  "the record changed since you loaded it; refresh and retry",
		})
	case errors.Is(err, oauth.ErrAccessDenied):
		return e.JSON(http.StatusForbidden, map[string]string{"error": "access denied"})
	}

	var xerr *oauth.Error
	if errors.As(err, &xerr) {
		return e.JSON(http.StatusBadGateway, map[string]any{
			"error":  "upstream failure",
			"status": xerr.StatusCode,
			"detail": xerr.Error(),
		})
	}

	return err
}
