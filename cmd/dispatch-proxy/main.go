package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gitpulse/dispatch/pkg/dispatch"
	"github.com/gitpulse/dispatch/pkg/logging"
	"github.com/gitpulse/dispatch/pkg/quota"
	"github.com/gitpulse/dispatch/pkg/registry"
	"github.com/gitpulse/dispatch/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	logLevel := getEnv("LOG_LEVEL", "info")

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(logLevel),
		Output: os.Stderr,
	})

	// Setup Redis for shared quota state
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("redis_url", redisURL).Msg("Connected to Redis")

	tracker := quota.NewTracker(redisClient, logging.NewLogger("quota"))

	// Providers from environment: key presence means configured.
	specs := []dispatch.ProviderSpec{
		dispatch.OpenRouterProvider(
			os.Getenv("OPENROUTER_API_KEY"),
			os.Getenv("OPENROUTER_MODEL"),
			os.Getenv("OPENROUTER_BASE_URL"),
		),
		dispatch.GeminiProvider(
			os.Getenv("GEMINI_API_KEY"),
			os.Getenv("GEMINI_MODEL"),
			os.Getenv("GEMINI_BASE_URL"),
		),
	}

	reg := registry.New(dispatch.Definitions(specs))
	httpTransport := quota.WrapTransport(
		transport.NewHTTPTransport(transport.WithUserAgent("dispatch-proxy/0.1.0")),
		tracker,
	)
	dispatcher := dispatch.New(httpTransport, reg, specs)

	logger.Info().
		Str("primary", reg.CurrentPrimary()).
		Int("providers", len(specs)).
		Msg("Dispatcher initialized")

	// HTTP Server
	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/ready", readyHandler(redisClient))
	http.HandleFunc("/status", statusHandler(reg))
	http.HandleFunc("/primary", primaryHandler(reg))
	http.HandleFunc("/failures/reset", resetFailuresHandler(reg))
	http.HandleFunc("/dispatch", dispatchHandler(dispatcher))
	http.Handle("/metrics", promhttp.Handler())

	addr := ":" + port
	logger.Info().Str("addr", addr).Msg("Starting dispatch proxy server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports readiness based on Redis connectivity.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// statusResponse is the JSON shape served by /status.
type statusResponse struct {
	CurrentPrimary string                   `json:"current_primary"`
	Providers      map[string]registry.Info `json:"providers"`
}

// statusHandler serves a read-only registry snapshot.
func statusHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, statusResponse{
			CurrentPrimary: reg.CurrentPrimary(),
			Providers:      reg.Status(),
		})
	}
}

// providerRequest is the JSON body for /primary and /failures/reset.
type providerRequest struct {
	Name string `json:"name"`
}

// primaryHandler promotes a provider to primary.
func primaryHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if !reg.SetPrimary(req.Name) {
			http.Error(w, "provider unknown or not configured", http.StatusConflict)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"current_primary": reg.CurrentPrimary()})
	}
}

// resetFailuresHandler is the operator action that zeroes a provider's
// failure counter.
func resetFailuresHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req providerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		reg.ResetFailures(req.Name)
		writeJSON(w, http.StatusOK, reg.Status())
	}
}

// dispatchRequest is the JSON body for /dispatch.
type dispatchRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// dispatchResponse is the JSON shape served by /dispatch.
type dispatchResponse struct {
	Success      bool   `json:"success"`
	ProviderUsed string `json:"provider_used"`
	Payload      string `json:"payload,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`
}

// dispatchHandler routes one logical completion request.
func dispatchHandler(d *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
		defer cancel()

		result := d.Dispatch(ctx, dispatch.Request{
			Prompt:    req.Prompt,
			MaxTokens: req.MaxTokens,
		})

		writeJSON(w, http.StatusOK, dispatchResponse{
			Success:      result.Success,
			ProviderUsed: result.ProviderUsed,
			Payload:      result.Payload,
			ErrorDetail:  result.ErrorDetail,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
