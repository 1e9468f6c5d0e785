package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"podcast-agent/agent_go/pkg/collaborator"
	"podcast-agent/agent_go/pkg/coordination"
	"podcast-agent/agent_go/pkg/database"
	"podcast-agent/agent_go/pkg/dispatcher"
	"podcast-agent/agent_go/pkg/logger"
	"podcast-agent/agent_go/pkg/poller"
)

// ServerCmd represents the server command
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session coordination API server",
	Long: `Start the HTTP API server for podcast creation sessions.

The server provides:
- Session creation and chat dispatch
- Busy rejection while an operation is in flight
- Status polling for queued operations
- Session listing, history, and deletion

Examples:
  podcast-agent server                  # Start with default settings
  podcast-agent server --port 8000      # Start on a custom port
  podcast-agent server --cors-origins "*"`,
	Run: runServer,
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port        int      `json:"port"`
	Host        string   `json:"host"`
	CORSOrigins []string `json:"cors_origins"`
	DBPath      string   `json:"db_path"`
	LockTTL     time.Duration
	BannerDir   string
	AudioDir    string
}

// API bundles the handlers' dependencies.
type API struct {
	config     ServerConfig
	dispatcher *dispatcher.Dispatcher
	poller     *poller.Poller
	store      database.Store
	logger     *logrus.Logger
}

func init() {
	ServerCmd.Flags().Int("port", 8080, "server port")
	ServerCmd.Flags().String("host", "0.0.0.0", "server host")
	ServerCmd.Flags().StringSlice("cors-origins", []string{"*"}, "allowed CORS origins")
	ServerCmd.Flags().Duration("lock-ttl", 10*time.Minute, "session lock lease duration")
	ServerCmd.Flags().Duration("operation-ttl", 24*time.Hour, "operation record retention")

	viper.BindPFlag("port", ServerCmd.Flags().Lookup("port"))
	viper.BindPFlag("host", ServerCmd.Flags().Lookup("host"))
	viper.BindPFlag("cors-origins", ServerCmd.Flags().Lookup("cors-origins"))
	viper.BindPFlag("lock-ttl", ServerCmd.Flags().Lookup("lock-ttl"))
	viper.BindPFlag("operation-ttl", ServerCmd.Flags().Lookup("operation-ttl"))
}

func runServer(cmd *cobra.Command, args []string) {
	config := ServerConfig{
		Port:        viper.GetInt("port"),
		Host:        viper.GetString("host"),
		CORSOrigins: viper.GetStringSlice("cors-origins"),
		DBPath:      viper.GetString("db-path"),
		LockTTL:     viper.GetDuration("lock-ttl"),
		BannerDir:   viper.GetString("banner-dir"),
		AudioDir:    viper.GetString("audio-dir"),
	}

	log, closeLog, err := logger.New(viper.GetString("log-file"), viper.GetString("log-level"), viper.GetString("log-format"), true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	store, err := database.NewSQLiteStore(config.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open coordination database")
	}
	defer store.Close()

	lock := coordination.NewSessionLock(store.DB(), config.LockTTL, log)
	registry := coordination.NewRegistry(store.DB(), viper.GetDuration("operation-ttl"), log)
	coordination.WireStalledReclaim(lock, registry)
	queue := coordination.NewQueue(store.DB(), 0, log)

	api := &API{
		config: config,
		dispatcher: dispatcher.New(store, lock, queue, registry, collaborator.NewScripted(), nil, dispatcher.Config{
			LockTTL:   config.LockTTL,
			BannerDir: config.BannerDir,
			AudioDir:  config.AudioDir,
		}, log),
		poller: poller.New(store, lock, registry, log),
		store:  store,
		logger: log,
	}

	router := mux.NewRouter()
	router.Use(api.corsMiddleware)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/session", api.handleCreateSession).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/chat", api.handleChat).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/status", api.handleStatus).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/sessions", api.handleListSessions).Methods("GET")
	apiRouter.HandleFunc("/session_history", api.handleSessionHistory).Methods("GET")
	apiRouter.HandleFunc("/latest_message", api.handleLatestMessage).Methods("GET")
	apiRouter.HandleFunc("/session/{session_id}", api.handleDeleteSession).Methods("DELETE", "OPTIONS")
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed to start")
		}
	}()

	log.WithFields(logrus.Fields{
		"host": config.Host,
		"port": config.Port,
		"db":   config.DBPath,
	}).Info("server started")

	// Wait for interrupt signal to gracefully shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	log.Info("server shutdown complete")
}

// CORS middleware
func (api *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range api.config.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Session-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Health check endpoint
func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := api.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"time":   time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
