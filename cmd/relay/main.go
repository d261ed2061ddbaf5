package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/claude-relay/internal/accountservice"
	"github.com/pysugar/claude-relay/internal/config"
	"github.com/pysugar/claude-relay/internal/health"
	"github.com/pysugar/claude-relay/internal/kv/memkv"
	"github.com/pysugar/claude-relay/internal/logging"
	"github.com/pysugar/claude-relay/internal/models"
	"github.com/pysugar/claude-relay/internal/preparer"
	"github.com/pysugar/claude-relay/internal/pricing"
	"github.com/pysugar/claude-relay/internal/proxyagent"
	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/pysugar/claude-relay/internal/scheduler"
	"github.com/pysugar/claude-relay/internal/transport"
	"github.com/pysugar/claude-relay/internal/util"
	"github.com/pysugar/claude-relay/internal/validator"
	"github.com/pysugar/claude-relay/internal/version"
)

// main wires the reference implementations of every collaborator package
// into a runnable relay: ingress parsing and routing are out of scope
// (the spec assumes a client request already arrives parsed), so this
// entrypoint exposes the narrowest possible surface over the orchestrator
// to exercise it end to end.
func main() {
	log.Printf("🚀 claude-relay %s (commit %s, built %s)", version.Version, version.Commit, version.BuildTime)

	configPath := os.Getenv("NEXUS_RELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbPath := os.Getenv("NEXUS_RELAY_DB")
	if dbPath == "" {
		dbPath = "relay.db"
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatalf("open database %s: %v", dbPath, err)
	}

	accounts, err := accountservice.NewStore(db)
	if err != nil {
		log.Fatalf("init account store: %v", err)
	}

	all, err := accounts.GetAllAccounts()
	if err != nil {
		log.Fatalf("list accounts: %v", err)
	}
	accountIDs := make([]string, 0, len(all))
	for _, a := range all {
		if a.IsActive {
			accountIDs = append(accountIDs, a.ID)
		}
	}
	if len(accountIDs) == 0 {
		log.Printf("⚠️ no active accounts configured in %s; every request will fail account selection", dbPath)
	}
	sched := scheduler.NewStickyScheduler(accountIDs)

	pricingPath := os.Getenv("NEXUS_RELAY_PRICING")
	if pricingPath == "" {
		pricingPath = "pricing.json"
	}
	priceTable, err := pricing.NewTable(pricingPath)
	if err != nil {
		log.Fatalf("load pricing table %s: %v", pricingPath, err)
	}

	validatorImpl := validator.NewHeuristicValidator()
	prep := preparer.New(priceTable, validatorImpl, cfg.SystemPrompt)

	proxies := proxyagent.NewFactory(cfg.Proxy.UseIPv4)
	pool := transport.NewPool(proxies)

	store := memkv.New()
	h := health.New(store, sched, accounts, cfg.OverloadHandling.Enabled(), cfg.OverloadHandling.Duration())

	orch := relay.New(sched, accounts, prep, pool, h, cfg)

	dumpDir := os.Getenv("NEXUS_RELAY_DUMP_DIR")
	if dumpDir == "" {
		dumpDir = "logs/dumps"
	}
	dumper := logging.NewDumper(dumpDir, cfg.Verbose)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", messagesHandler(orch, dumper))
	mux.HandleFunc("/v1/messages/count_tokens", countTokensHandler(orch, dumper))

	addr := os.Getenv("NEXUS_RELAY_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	log.Printf("🔌 listening on http://%s/v1/messages", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func messagesHandler(orch *relay.Orchestrator, dumper *logging.Dumper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := logging.GenerateRequestID()
		ctx := logging.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		raw, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var body models.RequestBody
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		model, _ := body["model"].(string)
		dumper.Dump(model, "request", requestID, r.Header, raw, nil)

		if streaming, _ := body["stream"].(bool); streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			flusher, _ := w.(http.Flusher)
			err := orch.RelayStreamRequestWithUsageCapture(ctx, body, r.Header, flushWriter{w, flusher}, func(u models.UsageRecord) {
				log.Printf("📦 relay[%s]: usage account=%s model=%s in=%d out=%d", requestID, u.AccountID, u.Model, u.InputTokens, u.OutputTokens)
			}, nil)
			if err != nil {
				log.Printf("❌ relay[%s]: stream failed: %v", requestID, err)
			}
			return
		}

		resp, err := orch.RelayRequest(ctx, body, r.Header, false)
		if err != nil {
			log.Printf("❌ relay[%s]: request failed: %v", requestID, err)
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}
		if resp.StatusCode >= 400 {
			log.Printf("⚠️ relay[%s]: upstream returned %d: %s", requestID, resp.StatusCode, util.TruncateBytes(resp.Body))
		}

		dumper.Dump(model, "response", requestID, resp.Header, resp.Body, map[string]interface{}{"accountId": resp.AccountID, "status": resp.StatusCode})

		copyHeader(w.Header(), resp.Header)
		w.Header().Set("X-Account-Id", resp.AccountID)
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

func countTokensHandler(orch *relay.Orchestrator, dumper *logging.Dumper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := logging.GenerateRequestID()
		ctx := logging.WithRequestID(r.Context(), requestID)

		raw, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var body models.RequestBody
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		resp, err := orch.RelayRequest(ctx, body, r.Header, true)
		if err != nil {
			log.Printf("❌ relay[%s]: count_tokens failed: %v", requestID, err)
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}

		dumper.Dump("", "count_tokens", requestID, resp.Header, resp.Body, nil)
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}

const maxBodyBytes = 32 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// flushWriter forwards each write to the underlying ResponseWriter and
// flushes immediately, so SSE chunks reach the client as they arrive
// rather than buffering until the handler returns.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
