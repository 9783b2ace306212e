package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/cors"

	"github.com/studioloop/backend/internal/handlers"
	"github.com/studioloop/backend/internal/middleware"
)

type Options struct {
	Verifier           *middleware.TokenVerifier
	AllowedOrigins     []string
	CallbackRatePerMin int
}

// New wires the public API.
//
//	POST /v1/tasks                                 JWT -> MatchBodyUser -> Submit
//	GET  /v1/tasks/{id}                            JWT -> GetTask
//	GET  /v1/credits                               JWT -> GetCredits
//	POST /v1/credits/account                       JWT -> OpenAccount
//	POST /v1/admin/users/{userId}/credits/adjust   JWT -> admin -> Adjust
//	POST /callback                                 per-IP limit -> signature -> HandleCallback
func New(tasks *handlers.TaskHandler, credits *handlers.CreditsHandler, callback *handlers.CallbackHandler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	rate := opts.CallbackRatePerMin
	if rate <= 0 {
		rate = 600
	}
	r.With(httprate.LimitByIP(rate, time.Minute)).Post("/callback", callback.HandleCallback)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(opts.Verifier))

		r.With(middleware.MatchBodyUser).Post("/tasks", tasks.Submit)
		r.Get("/tasks/{id}", tasks.GetTask)

		r.Get("/credits", credits.GetCredits)
		r.Post("/credits/account", credits.OpenAccount)

		r.With(middleware.RequireRole(middleware.RoleAdmin)).
			Post("/admin/users/{userId}/credits/adjust", credits.Adjust)
	})

	return cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}
