package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"

	oauth "github.com/tijs/book-explorer/oauth"
	"github.com/tijs/book-explorer/records"
	"github.com/tijs/book-explorer/store"
)

type Server struct {
	oauthClient *oauth.Client
	xrpcCli     *oauth.XrpcClient
	records     *records.Client
	store       *store.Store
	publicUrl   string
	collection  string
}

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:    "book-explorer",
		Usage:   "browse and update the book records in your own atproto PDS",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":7070",
				EnvVars: []string{"BOOK_EXPLORER_ADDR"},
			},
			&cli.StringFlag{
				Name:     "public-url",
				Usage:    "externally reachable base url, e.g. https://books.example.com",
				Required: true,
				EnvVars:  []string{"BOOK_EXPLORER_PUBLIC_URL"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "book-explorer.db",
				EnvVars: []string{"BOOK_EXPLORER_DB_PATH"},
			},
			&cli.StringFlag{
				Name:     "cookie-secret",
				Required: true,
				EnvVars:  []string{"BOOK_EXPLORER_COOKIE_SECRET"},
			},
			&cli.StringFlag{
				Name:     "state-secret",
				Usage:    "signs the oauth state token; keep stable across instances",
				Required: true,
				EnvVars:  []string{"BOOK_EXPLORER_STATE_SECRET"},
			},
			&cli.StringFlag{
				Name:    "collection",
				Value:   "buzz.bookhive.book",
				EnvVars: []string{"BOOK_EXPLORER_COLLECTION"},
			},
			&cli.StringFlag{
				Name:    "default-handle-service",
				EnvVars: []string{"BOOK_EXPLORER_DEFAULT_HANDLE_SERVICE"},
			},
			&cli.StringFlag{
				Name:    "fallback-handle-service",
				EnvVars: []string{"BOOK_EXPLORER_FALLBACK_HANDLE_SERVICE"},
			},
			&cli.StringFlag{
				Name:    "plc-directory",
				EnvVars: []string{"BOOK_EXPLORER_PLC_DIRECTORY"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	publicUrl := strings.TrimSuffix(cmd.String("public-url"), "/")

	st, err := store.New(cmd.String("db-path"))
	if err != nil {
		return err
	}

	oauthClient, err := oauth.NewClient(oauth.ClientArgs{
		ClientId:              publicUrl + "/oauth/client-metadata.json",
		RedirectUri:           publicUrl + "/oauth/callback",
		StateSecret:           []byte(cmd.String("state-secret")),
		Store:                 st,
		DefaultHandleService:  cmd.String("default-handle-service"),
		FallbackHandleService: cmd.String("fallback-handle-service"),
		PlcDirectory:          cmd.String("plc-directory"),
	})
	if err != nil {
		return err
	}

	xrpcCli := oauth.NewXrpcClient(oauthClient, st)

	s := &Server{
		oauthClient: oauthClient,
		xrpcCli:     xrpcCli,
		records:     records.NewClient(xrpcCli),
		store:       st,
		publicUrl:   publicUrl,
		collection:  cmd.String("collection"),
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(slog.Default()))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cmd.String("cookie-secret")))))

	e.GET("/", s.handleIndex)
	e.GET("/oauth/client-metadata.json", s.handleClientMetadata)
	e.GET("/login", s.handleLoginPage)
	e.POST("/login", s.handleLoginSubmit)
	e.GET("/oauth/callback", s.handleCallback)
	e.POST("/logout", s.handleLogout)

	e.GET("/api/books", s.handleListBooks)
	e.GET("/api/books/:rkey", s.handleGetBook)
	e.PUT("/api/books/:rkey", s.handlePutBook)
	e.POST("/api/books/bulk", s.handleBulkUpdate)

	httpd := http.Server{
		Addr:    cmd.String("addr"),
		Handler: e,
	}

	fmt.Printf("starting book-explorer on %s\n", cmd.String("addr"))

	if err := httpd.ListenAndServe(); err != nil {
		return err
	}

	return nil
}

func (s *Server) handleClientMetadata(e echo.Context) error {
	metadata := map[string]any{
		"client_id":                  s.publicUrl + "/oauth/client-metadata.json",
		"client_name":                "Book Explorer",
		"client_uri":                 s.publicUrl,
		"redirect_uris":              []string{s.publicUrl + "/oauth/callback"},
		"scope":                      s.oauthClient.Scope(),
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"application_type":           "web",
		"token_endpoint_auth_method": "none",
		"dpop_bound_access_tokens":   true,
	}

	return e.JSON(200, metadata)
}
