package http

import (
	"net/http"
	"strings"
)

type RouterConfig struct {
	Messages     *MessageHandler
	Sessions     *SessionHandler
	Availability *AvailabilityHandler
	Integrations *IntegrationHandler
	Middleware   []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if cfg.Messages != nil {
		mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				methodNotAllowed(w, http.MethodPost)
				return
			}
			cfg.Messages.Create(w, r)
		})
	}

	if cfg.Sessions != nil {
		mux.HandleFunc("/conversations/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
			parts := strings.Split(rest, "/")
			if len(parts) != 2 || parts[0] == "" {
				http.NotFound(w, r)
				return
			}
			ctx := ContextWithConversationID(r.Context(), parts[0])
			r = r.WithContext(ctx)

			switch parts[1] {
			case "session":
				switch r.Method {
				case http.MethodGet:
					cfg.Sessions.Get(w, r)
				case http.MethodDelete:
					cfg.Sessions.Cancel(w, r)
				default:
					methodNotAllowed(w, http.MethodGet, http.MethodDelete)
				}
			case "confirm":
				if r.Method != http.MethodPost {
					methodNotAllowed(w, http.MethodPost)
					return
				}
				cfg.Sessions.Confirm(w, r)
			case "edit":
				if r.Method != http.MethodPost {
					methodNotAllowed(w, http.MethodPost)
					return
				}
				cfg.Sessions.Edit(w, r)
			case "reselect":
				if r.Method != http.MethodPost {
					methodNotAllowed(w, http.MethodPost)
					return
				}
				cfg.Sessions.Reselect(w, r)
			default:
				http.NotFound(w, r)
			}
		})
	}

	if cfg.Availability != nil {
		mux.HandleFunc("/availability", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Availability.Find(w, r)
		})
	}

	if cfg.Integrations != nil {
		mux.HandleFunc("/integrations", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				cfg.Integrations.List(w, r)
			case http.MethodPost:
				cfg.Integrations.Connect(w, r)
			default:
				methodNotAllowed(w, http.MethodGet, http.MethodPost)
			}
		})
		mux.HandleFunc("/integrations/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/integrations/")
			if rest == "" {
				http.NotFound(w, r)
				return
			}

			if calendarPath, ok := strings.CutPrefix(rest, "calendars/"); ok {
				parts := strings.Split(calendarPath, "/")
				if parts[0] == "" {
					http.NotFound(w, r)
					return
				}
				ctx := ContextWithHandleID(r.Context(), parts[0])
				r = r.WithContext(ctx)

				switch {
				case len(parts) == 1:
					if r.Method != http.MethodPut {
						methodNotAllowed(w, http.MethodPut)
						return
					}
					cfg.Integrations.SetEnabled(w, r)
				case len(parts) == 2 && parts[1] == "primary":
					if r.Method != http.MethodPut {
						methodNotAllowed(w, http.MethodPut)
						return
					}
					cfg.Integrations.SetPrimary(w, r)
				default:
					http.NotFound(w, r)
				}
				return
			}

			if r.Method != http.MethodDelete {
				methodNotAllowed(w, http.MethodDelete)
				return
			}
			ctx := ContextWithProvider(r.Context(), rest)
			cfg.Integrations.Disconnect(w, r.WithContext(ctx))
		})
	}

	var handler http.Handler = mux
	if len(cfg.Middleware) > 0 {
		for i := len(cfg.Middleware) - 1; i >= 0; i-- {
			if cfg.Middleware[i] != nil {
				handler = cfg.Middleware[i](handler)
			}
		}
	}

	return handler
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
