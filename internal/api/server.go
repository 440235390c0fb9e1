package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/cdpmux/internal/cdperr"
	"github.com/dgnsrekt/cdpmux/internal/controller"
	"github.com/dgnsrekt/cdpmux/internal/metrics"
)

type Service interface {
	Status(ctx context.Context) (controller.Status, error)
	ListTabs(ctx context.Context) ([]controller.TabInfo, error)
	OpenTab(ctx context.Context, key, startURL string) (controller.TabInfo, error)
	SendCommand(ctx context.Context, key, method string, params map[string]any, timeoutMS int) (controller.CommandResult, error)
	DrainMessages(ctx context.Context, key string) ([]controller.MessageInfo, error)
	CloseTab(ctx context.Context, key string) error
}

func NewServer(svc Service) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("cdpmux control API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Handle("/metrics", metrics.Handler())

	registerBrowserHandlers(api, svc)
	registerTabHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdperr.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdperr.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdperr.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdperr.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdperr.CodeConnectFailure, cdperr.CodeCommunications, cdperr.CodeProcessDied:
			return huma.Error502BadGateway(coded.Error())
		case cdperr.CodeClosed:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
