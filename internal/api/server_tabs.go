package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/cdpmux/internal/controller"
)

type tabKeyInput struct {
	Key string `path:"key" doc:"Tab key bound by the manager"`
}

func registerBrowserHandlers(api huma.API, svc Service) {
	type statusOutput struct {
		Body controller.Status
	}

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Browser process and debug port status", Tags: []string{"Browser"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			st, err := svc.Status(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type tabOutput struct {
		Body controller.TabInfo
	}

	type listTabsOutput struct {
		Body struct {
			Tabs []controller.TabInfo `json:"tabs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List bound tab keys", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type openTabBody struct {
		Key string `json:"key,omitempty" doc:"Tab key to bind. Generated when omitted."`
		URL string `json:"url,omitempty" doc:"Initial URL for the new tab"`
	}

	huma.Register(api, huma.Operation{OperationID: "open-tab", Method: http.MethodPost, Path: "/api/v1/tabs", Summary: "Open a tab and bind it to a key", Tags: []string{"Tabs"}, DefaultStatus: http.StatusCreated},
		func(ctx context.Context, input *struct {
			Body *openTabBody
		}) (*tabOutput, error) {
			var key, url string
			if input.Body != nil {
				key, url = input.Body.Key, input.Body.URL
			}
			info, err := svc.OpenTab(ctx, key, url)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: info}, nil
		})

	type commandOutput struct {
		Body controller.CommandResult
	}

	huma.Register(api, huma.Operation{OperationID: "send-command", Method: http.MethodPost, Path: "/api/v1/tabs/{key}/commands", Summary: "Send a protocol command and wait for its response", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			tabKeyInput
			Body struct {
				Method    string         `json:"method" required:"true" doc:"Protocol method (e.g. Page.navigate)"`
				Params    map[string]any `json:"params,omitempty" doc:"Command parameters"`
				TimeoutMS int            `json:"timeout_ms,omitempty" minimum:"0" doc:"Response timeout in milliseconds. 0 uses the server default."`
			}
		}) (*commandOutput, error) {
			res, err := svc.SendCommand(ctx, input.Key, input.Body.Method, input.Body.Params, input.Body.TimeoutMS)
			if err != nil {
				return nil, mapErr(err)
			}
			return &commandOutput{Body: res}, nil
		})

	type messagesOutput struct {
		Body struct {
			Messages []controller.MessageInfo `json:"messages"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "drain-messages", Method: http.MethodGet, Path: "/api/v1/tabs/{key}/messages", Summary: "Drain buffered and pending messages for a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabKeyInput) (*messagesOutput, error) {
			msgs, err := svc.DrainMessages(ctx, input.Key)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &messagesOutput{}
			out.Body.Messages = msgs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{key}", Summary: "Close a tab. Closing the last tab stops the browser.", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabKeyInput) (*struct{}, error) {
			if err := svc.CloseTab(ctx, input.Key); err != nil {
				return nil, mapErr(err)
			}
			return nil, nil
		})
}
