package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"keylane/internal/engine"
	"keylane/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"need not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Keylane API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Keylane API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerNeeds(group, cfg.Engine)
	registerListings(group, cfg.Engine)
	registerMatches(group, cfg.Engine)
	registerComply(group, cfg.Engine)
	registerUnlocks(group, cfg.Engine)
	registerDeals(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "dependency"):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_incomplete", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Keylane API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Marketplace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		m, err := e.Repo.SingleMarketplace(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"marketplace_id": m.ID,
			"status":         m.Status,
			"unlock_fee":     e.UnlockFee(),
		}}, nil
	})
}

func registerNeeds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-need",
		Method:        http.MethodPost,
		Path:          "/needs",
		Summary:       "Register buyer need",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateNeedRequest `json:"body"`
	}) (*struct {
		Body NeedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.NeedCreateOptions{
			BuyerID:      input.Body.BuyerID,
			Jurisdiction: input.Body.Jurisdiction,
			Locality:     input.Body.Locality,
			PostalCode:   input.Body.PostalCode,
			PriceMin:     input.Body.PriceMin,
			PriceMax:     input.Body.PriceMax,
			PropertyType: input.Body.PropertyType,
			BedsMin:      input.Body.BedsMin,
			BathsMin:     input.Body.BathsMin,
			Features:     input.Body.Features,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		n, err := e.CreateNeed(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NeedResponse `json:"body"`
		}{Body: needResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-needs",
		Method:      http.MethodGet,
		Path:        "/needs",
		Summary:     "List buyer needs",
	}, func(ctx context.Context, input *struct {
		BuyerID string `query:"buyer_id"`
	}) (*struct {
		Body []NeedResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListNeeds(ctx, input.BuyerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NeedResponse `json:"body"`
		}{Body: mapNeeds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-need",
		Method:      http.MethodGet,
		Path:        "/needs/{id}",
		Summary:     "Get buyer need",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body NeedResponse `json:"body"`
	}, error) {
		n, err := e.Repo.GetNeed(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NeedResponse `json:"body"`
		}{Body: needResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-need-active",
		Method:      http.MethodPatch,
		Path:        "/needs/{id}",
		Summary:     "Activate or deactivate a need",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body NeedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetNeed(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.SetNeedActive(ctx, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		n, err := e.Repo.GetNeed(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NeedResponse `json:"body"`
		}{Body: needResponse(n)}, nil
	})
}

func registerListings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-listing",
		Method:        http.MethodPost,
		Path:          "/listings",
		Summary:       "Register listing",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateListingRequest `json:"body"`
	}) (*struct {
		Body ListingResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ListingCreateOptions{
			SellerID:     input.Body.SellerID,
			Jurisdiction: input.Body.Jurisdiction,
			Locality:     input.Body.Locality,
			PostalCode:   input.Body.PostalCode,
			Price:        input.Body.Price,
			PropertyType: input.Body.PropertyType,
			Beds:         input.Body.Beds,
			Baths:        input.Body.Baths,
			Features:     input.Body.Features,
			Verified:     input.Body.Verified,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		l, err := e.CreateListing(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListingResponse `json:"body"`
		}{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/listings",
		Summary:     "List listings",
	}, func(ctx context.Context, input *struct {
		SellerID string `query:"seller_id"`
	}) (*struct {
		Body []ListingResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListListings(ctx, input.SellerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ListingResponse `json:"body"`
		}{Body: mapListings(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/listings/{id}",
		Summary:     "Get listing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ListingResponse `json:"body"`
	}, error) {
		l, err := e.Repo.GetListing(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListingResponse `json:"body"`
		}{Body: listingResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-listing",
		Method:      http.MethodPost,
		Path:        "/listings/{id}/verify",
		Summary:     "Set listing verification",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Verified bool `json:"verified"`
		} `json:"body"`
	}) (*struct {
		Body ListingResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.VerifyListing(ctx, input.ID, input.Body.Verified, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListingResponse `json:"body"`
		}{Body: listingResponse(l)}, nil
	})
}

func registerMatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-matches",
		Method:        http.MethodPost,
		Path:          "/needs/{id}/matches/generate",
		Summary:       "Generate matches for a need",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []MatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		matches, err := e.GenerateMatches(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MatchResponse `json:"body"`
		}{Body: mapMatches(matches)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-matches",
		Method:      http.MethodGet,
		Path:        "/needs/{id}/matches",
		Summary:     "List matches for a need",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []MatchResponse `json:"body"`
	}, error) {
		matches, err := e.MatchesForNeed(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MatchResponse `json:"body"`
		}{Body: mapMatches(matches)}, nil
	})
}

func registerComply(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "comply-check",
		Method:      http.MethodGet,
		Path:        "/comply/check",
		Summary:     "Check a compliance rule",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Action       string `query:"action" required:"true"`
		Role         string `query:"role" required:"true"`
		Jurisdiction string `query:"jurisdiction" required:"true"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		allowed := e.CanPerform(input.Action, input.Role, input.Jurisdiction)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"action":       input.Action,
			"role":         input.Role,
			"jurisdiction": strings.ToLower(input.Jurisdiction),
			"allowed":      allowed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comply-actions",
		Method:      http.MethodGet,
		Path:        "/comply/actions",
		Summary:     "List permitted actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role         string `query:"role" required:"true"`
		Jurisdiction string `query:"jurisdiction" required:"true"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actions := e.PermittedActions(input.Role, input.Jurisdiction)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"role":         input.Role,
			"jurisdiction": strings.ToLower(input.Jurisdiction),
			"actions":      actions,
		}}, nil
	})
}

func registerUnlocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "unlock-fee",
		Method:      http.MethodGet,
		Path:        "/unlocks/fee",
		Summary:     "Unlock fee",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: map[string]int64{"fee_cents": e.UnlockFee()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlock-status",
		Method:      http.MethodGet,
		Path:        "/unlocks/status",
		Summary:     "Check unlock status for a pair",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		NeedID    string `query:"need_id" required:"true"`
		ListingID string `query:"listing_id" required:"true"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unlocked, err := e.IsUnlocked(ctx, actorID, input.NeedID, input.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"need_id":    input.NeedID,
			"listing_id": input.ListingID,
			"unlocked":   unlocked,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unlock-match",
		Method:        http.MethodPost,
		Path:          "/unlocks",
		Summary:       "Unlock full match detail",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			NeedID    string `json:"need_id"`
			ListingID string `json:"listing_id"`
		} `json:"body"`
	}) (*struct {
		Body UnlockResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.NeedID == "" || input.Body.ListingID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "need_id and listing_id are required", nil)
		}
		u, err := e.Unlock(ctx, actorID, input.Body.NeedID, input.Body.ListingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnlockResponse `json:"body"`
		}{Body: unlockResponse(u)}, nil
	})
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Open a deal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ListingID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "listing_id is required", nil)
		}
		opts := engine.DealCreateOptions{
			ListingID:    input.Body.ListingID,
			NeedID:       input.Body.NeedID,
			Stage:        input.Body.Stage,
			Participants: input.Body.Participants,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		d, err := e.CreateDeal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage"`
	}) (*struct {
		Body []DealResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeals(ctx, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DealResponse `json:"body"`
		}{Body: mapDeals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DealResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DealResponse `json:"body"`
		}{Body: dealResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-deal-stage",
		Method:      http.MethodPatch,
		Path:        "/deals/{id}/stage",
		Summary:     "Advance deal stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Stage string `json:"stage"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Deal  DealResponse   `json:"deal"`
			Tasks []TaskResponse `json:"tasks"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Stage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "stage is required", nil)
		}
		d, tasks, err := e.SetDealStage(ctx, input.ID, input.Body.Stage, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Deal  DealResponse   `json:"deal"`
				Tasks []TaskResponse `json:"tasks"`
			} `json:"body"`
		}{}
		out.Body.Deal = dealResponse(d)
		out.Body.Tasks = mapTasks(tasks)
		return out, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "expand-stage",
		Method:        http.MethodPost,
		Path:          "/tasks/expand",
		Summary:       "Expand workflow templates into tasks",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ContextType string `json:"context_type"`
			ContextID   string `json:"context_id"`
			Stage       string `json:"stage"`
			Role        string `json:"role,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ExpandStage(ctx, engine.ExpandStageOptions{
			ContextType: input.Body.ContextType,
			ContextID:   input.Body.ContextID,
			Stage:       input.Body.Stage,
			Role:        input.Body.Role,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ContextType string `query:"context_type"`
		ContextID   string `query:"context_id"`
		Role        string `query:"role"`
		Status      string `query:"status"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ContextType: input.ContextType,
			ContextID:   input.ContextID,
			Role:        input.Role,
			Status:      input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Update task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status string `json:"status"`
		} `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		t, err := e.UpdateTaskStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		marketplaceID := ""
		if e.Config != nil {
			marketplaceID = e.Config.Marketplace.ID
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, marketplaceID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
