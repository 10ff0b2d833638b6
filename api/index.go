package handler

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"family-hub-backend/pkg/config"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/guard"
	"family-hub-backend/pkg/handlers"
	custommw "family-hub-backend/pkg/middleware"
	"family-hub-backend/pkg/utils"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// getLogger builds the process-wide logger once per cold start.
func getLogger(cfg *config.Config) *zap.Logger {
	loggerOnce.Do(func() {
		var err error
		if cfg.IsDevelopment() {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// Handler is the serverless entry point. All endpoints live on one chi
// router so a single function serves the whole API.
func Handler(w http.ResponseWriter, r *http.Request) {
	cfg := config.GetCached()

	if err := cfg.Validate(); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+err.Error())
		return
	}

	log := getLogger(cfg)
	db := database.GetDatabase(database.DatabaseConfig{
		UseLocalDB:  cfg.UseLocalDB,
		PostgresDSN: cfg.PostgresDSN,
		SupabaseURL: cfg.SupabaseURL,
		SupabaseKey: cfg.SupabaseKey,
		Debug:       cfg.Debug,
	}, log)
	// the pool owns the connection; no per-request Close

	router := NewRouter(cfg, db, log)
	router.ServeHTTP(w, r)
}

// NewRouter assembles the middleware stack and all routes.
func NewRouter(cfg *config.Config, db database.DatabaseInterface, log *zap.Logger) *chi.Mux {
	router := chi.NewRouter()
	setupMiddleware(router, cfg, log)
	setupRoutes(router, cfg, db)
	return router
}

func setupMiddleware(router *chi.Mux, cfg *config.Config, log *zap.Logger) {
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	// normalize path and restore scheme/host before logging and routing
	router.Use(custommw.Normalize())
	router.Use(custommw.RequestLogger(log))
	router.Use(custommw.Recovery(cfg, log))
	router.Use(custommw.CORS(cfg))
	// serverless runtimes cap execution time; leave a shutdown buffer
	router.Use(chimw.Timeout(25 * time.Second))
	router.Use(chimw.Compress(5))
	router.Use(custommw.MaxBodySize(1 << 20))

	if cfg.IsDevelopment() {
		router.Use(chimw.Heartbeat("/ping"))
	}
}

func setupRoutes(router *chi.Mux, cfg *config.Config, db database.DatabaseInterface) {
	g := guard.New(db)
	authHandler := handlers.NewAuthHandler(cfg, db)
	groupsHandler := handlers.NewGroupsHandler(cfg, db, g)
	resourcesHandler := handlers.NewResourcesHandler(cfg, db, g)

	router.Get("/", authHandler.HealthCheck)
	router.Get("/health", authHandler.HealthCheck)

	if cfg.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, database.GetConnectionStats())
		})
	}

	router.Route("/api", func(r chi.Router) {
		// public
		r.Route("/auth", func(r chi.Router) {
			r.Use(custommw.ContentTypeJSON)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.RefreshToken)
			r.Post("/logout", authHandler.Logout)
		})

		// authenticated
		r.Group(func(r chi.Router) {
			r.Use(custommw.AuthMiddleware(cfg))
			r.Use(custommw.ContentTypeJSON)

			r.Route("/user", func(r chi.Router) {
				r.Get("/profile", authHandler.GetCurrentUser)
			})

			r.Route("/groups", func(r chi.Router) {
				r.Get("/", groupsHandler.ListMyGroups)
				r.Post("/", groupsHandler.CreateGroup)

				r.Route("/{groupID}", func(r chi.Router) {
					r.Get("/", groupsHandler.GetGroup)
					r.Put("/", groupsHandler.UpdateGroup)
					r.Delete("/", groupsHandler.DeleteGroup)

					r.Get("/members", groupsHandler.ListMembers)
					r.Put("/members/{userID}/role", groupsHandler.ChangeRole)
					r.Delete("/members/{userID}", groupsHandler.RemoveMember)

					r.Post("/invitations", groupsHandler.InviteMember)

					// generic surface for all six resource kinds
					r.Route("/{kind}", func(r chi.Router) {
						r.Get("/", resourcesHandler.List)
						r.Post("/", resourcesHandler.Create)
						r.Get("/{resourceID}", resourcesHandler.Get)
						r.Put("/{resourceID}", resourcesHandler.Update)
						r.Put("/{resourceID}/edit-mode", resourcesHandler.SetEditMode)
						r.Delete("/{resourceID}", resourcesHandler.Delete)
					})
				})
			})

			r.Route("/invitations", func(r chi.Router) {
				r.Get("/my", groupsHandler.ListMyInvitations)
				r.Post("/accept", groupsHandler.AcceptInvitation)
				r.Post("/decline", groupsHandler.DeclineInvitation)
			})
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
