// Command dispatchgatewayd boots the dispatch core standalone: it wires the
// Token Manager, Account Store, Quota Ledger, Usage Manager and Dispatch
// Engine together and waits for a shutdown signal. The south-side HTTP
// server that would translate and route caller requests into dispatch.Request
// values is out of scope (spec.md §1) — this entrypoint exists so the core
// can be started, schema-initialized, and health-checked on its own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/codec"
	"github.com/vantagehub/dispatchcore/internal/config"
	"github.com/vantagehub/dispatchcore/internal/dispatch"
	"github.com/vantagehub/dispatchcore/internal/httpclient"
	"github.com/vantagehub/dispatchcore/internal/logging"
	"github.com/vantagehub/dispatchcore/internal/quota"
	"github.com/vantagehub/dispatchcore/internal/store"
	"github.com/vantagehub/dispatchcore/internal/token"
	"github.com/vantagehub/dispatchcore/internal/usage"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// shutdownDrainTimeout bounds how long main waits for in-flight work to
// settle after a shutdown signal before exiting anyway (§5 graceful shutdown).
const shutdownDrainTimeout = 15 * time.Second

func main() {
	var configJSONPath string
	var dispatchOnce bool
	var dispatchUserID, dispatchProvider, dispatchModel, dispatchPrompt string
	flag.StringVar(&configJSONPath, "config-json", "config.json", "Path to write the resolved runtime configuration")
	flag.BoolVar(&dispatchOnce, "dispatch-once", false, "Run a single dispatch against a real account and print its events, then exit (manual smoke test)")
	flag.StringVar(&dispatchUserID, "dispatch-user", "", "User id owning the account to dispatch against (-dispatch-once)")
	flag.StringVar(&dispatchProvider, "dispatch-provider", string(auth.ProviderAntigravity), "Provider to dispatch against (-dispatch-once)")
	flag.StringVar(&dispatchModel, "dispatch-model", "gemini-2.5-pro", "Model name to request (-dispatch-once)")
	flag.StringVar(&dispatchPrompt, "dispatch-prompt", "Say hello in five words.", "Prompt text to send (-dispatch-once)")
	flag.Parse()

	logging.Setup(log.InfoLevel)
	log.Infof("dispatchgatewayd version=%s commit=%s built=%s", Version, Commit, BuildDate)

	cfg, err := config.Load(configJSONPath)
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	if level, parseErr := log.ParseLevel(cfg.LogLevel); parseErr == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("open account store")
	}
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	baseClient := httpclient.New(cfg.ProxyURL, time.Duration(cfg.RequestTimeoutSeconds)*time.Second)

	tokens := token.NewManager(
		time.Duration(cfg.TokenRefreshSkewSeconds)*time.Second,
		&token.AntigravityRefresher{HTTPClient: baseClient},
		&token.KiroRefresher{HTTPClient: baseClient},
		&token.QwenRefresher{HTTPClient: baseClient},
	)

	ledger := quota.New(
		st,
		time.Duration(cfg.QuotaStaleAfterSeconds)*time.Second,
		cfg.QuotaRefreshWorkers,
		&quota.AntigravityFetcher{
			HTTPClient: baseClient,
			BaseURL:    endpointHost(cfg.Endpoints, "antigravity"),
			Path:       "/v1internal:fetchAvailableModels",
		},
		&quota.KiroFetcher{HTTPClient: baseClient, BaseURL: endpointHost(cfg.Endpoints, "kiro")},
		&quota.QwenFetcher{HTTPClient: baseClient},
	)

	usageManager := usage.NewManager()
	usageManager.Register(&usage.ConsumptionPlugin{Store: st})
	usageManager.Start(ctx)
	defer usageManager.Stop()

	engine := &dispatch.Engine{
		Store:         st,
		Tokens:        tokens,
		Quota:         ledger,
		Usage:         usageManager,
		HTTPClient:    baseClient,
		Endpoints:     cfg.Endpoints,
		MaxQuotaSwaps: cfg.MaxQuotaSwaps,
	}

	if dispatchOnce {
		runDispatchOnce(ctx, engine, dispatchUserID, dispatchProvider, dispatchModel, dispatchPrompt)
		return
	}

	log.Info("dispatchgatewayd ready")
	<-ctx.Done()
	log.Infof("shutdown signal received, draining up to %s", shutdownDrainTimeout)

	// Request draining itself belongs to the out-of-scope south-side server;
	// this entrypoint only needs to give the usage dispatcher and any
	// in-flight quota-refresh goroutines a moment before the process exits.
	time.Sleep(200 * time.Millisecond)

	fmt.Fprintln(os.Stdout, "dispatchgatewayd stopped")
}

// endpointHost returns the first configured endpoint's base URL for a
// provider, used to seed the quota fetchers' default target.
func endpointHost(endpoints config.EndpointSet, provider string) string {
	list := endpoints[provider]
	if len(list) == 0 {
		return ""
	}
	return list[0].BaseURL
}

// runDispatchOnce drives a single Dispatch call against a real, already
// onboarded account and prints every event it produces, so an operator can
// confirm a Token Manager / Account Store / Quota Ledger wiring works end
// to end without standing up the (out-of-scope) south-side HTTP server.
func runDispatchOnce(ctx context.Context, engine *dispatch.Engine, userID, provider, model, prompt string) {
	if userID == "" {
		log.Fatal("dispatch-once: -dispatch-user is required")
	}

	req := dispatch.Request{
		UserID:   userID,
		Provider: auth.Provider(provider),
		Model:    model,
		Prefer:   auth.PreferDedicated,
		Stream:   false,
	}
	if req.Provider == auth.ProviderKiro {
		req.Kiro = dispatch.KiroTurn{
			ConversationID: "dispatch-once",
			Content:        prompt,
			Origin:         "CLI",
		}
	} else {
		payload, _ := json.Marshal(map[string]any{
			"contents": []map[string]any{{"role": "user", "parts": []map[string]any{{"text": prompt}}}},
		})
		req.Payload = payload
	}

	var exitErr error
	sink := func(ev codec.Event) {
		switch e := ev.(type) {
		case codec.TextEvent:
			fmt.Print(e.Text)
		case codec.ReasoningEvent:
			fmt.Printf("[reasoning] %s\n", e.Text)
		case codec.FunctionCallEvent:
			fmt.Printf("\n[function_call] %s(%s)\n", e.Name, e.Arguments)
		case codec.UsageEvent:
			fmt.Printf("\n[usage] in=%d out=%d\n", e.InputTokens, e.OutputTokens)
		case codec.ErrorEvent:
			fmt.Printf("\n[error] class=%s status=%d %s\n", e.Class, e.FinalStatusCode, e.Message)
			exitErr = fmt.Errorf("dispatch-once: upstream error class=%s", e.Class)
		case codec.FinishEvent:
			fmt.Printf("\n[finish] reason=%s\n", e.Reason)
		}
	}

	if err := engine.Dispatch(ctx, req, sink); err != nil {
		log.WithError(err).Fatal("dispatch-once: dispatch failed")
	}
	if exitErr != nil {
		log.WithError(exitErr).Fatal("dispatch-once: upstream reported an error")
	}
}
