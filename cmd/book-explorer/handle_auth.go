package main

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	oauth "github.com/tijs/book-explorer/oauth"
)

const loginPage = `<!doctype html>
<html>
<body>
<h1>Book Explorer</h1>
<form action="/login" method="post">
<input type="text" name="handle" placeholder="your handle, e.g. alice.bsky.social" autofocus>
<button type="submit">Log in</button>
</form>
</body>
</html>`

func (s *Server) handleIndex(e echo.Context) error {
	sess, err := session.Get("session", e)
	if err != nil {
		return err
	}

	if _, ok := sess.Values["did"]; !ok {
		return e.Redirect(302, "/login")
	}

	return e.HTML(200, `<!doctype html><html><body><h1>Book Explorer</h1><p>Logged in. Your books live at <a href="/api/books">/api/books</a>.</p><form action="/logout" method="post"><button type="submit">Log out</button></form></body></html>`)
}

func (s *Server) handleLoginPage(e echo.Context) error {
	return e.HTML(200, loginPage)
}

func (s *Server) handleLoginSubmit(e echo.Context) error {
	handle := e.FormValue("handle")
	if handle == "" {
		return e.Redirect(302, "/login?e=handle-empty")
	}

	authUrl, err := s.oauthClient.StartAuthFlow(e.Request().Context(), handle)
	if err != nil {
		if errors.Is(err, oauth.ErrHandleNotFound) {
			return e.Redirect(302, "/login?e=handle-invalid")
		}
		return err
	}

	return e.Redirect(302, authUrl)
}

func (s *Server) handleCallback(e echo.Context) error {
	if provErr := e.QueryParam("error"); provErr != "" {
		return e.String(
			http.StatusBadRequest,
			"authorization failed: "+provErr+": "+e.QueryParam("error_description"),
		)
	}

	code := e.QueryParam("code")
	state := e.QueryParam("state")
	if code == "" || state == "" {
		return e.String(http.StatusBadRequest, "request missing needed parameters")
	}

	oauthSession, err := s.oauthClient.HandleCallback(e.Request().Context(), code, state)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) || errors.Is(err, oauth.ErrStateExpired) {
			return e.String(http.StatusBadRequest, err.Error())
		}
		return err
	}

	sess, err := session.Get("session", e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
	}

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["did"] = oauthSession.Did

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(302, "/")
}

func (s *Server) handleLogout(e echo.Context) error {
	sess, err := session.Get("session", e)
	if err != nil {
		return err
	}

	if did, ok := sess.Values["did"].(string); ok && did != "" {
		if err := s.store.DeleteSession(e.Request().Context(), did); err != nil {
			return err
		}
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(302, "/login")
}
