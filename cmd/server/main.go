package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"paygate_app_echo/internal/agent"
	"paygate_app_echo/internal/handlers"
	appMiddleware "paygate_app_echo/internal/middleware"
	"paygate_app_echo/internal/services"
	"paygate_app_echo/internal/tasks"
	"paygate_app_echo/internal/x402"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Initialize Database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}
	if err := tasks.EnsureMaintenanceTasks(db); err != nil {
		log.Fatalf("Failed to seed maintenance tasks: %v", err)
	}

	// Nonce coordination: Redis when configured, in-process otherwise.
	var lock services.DistributedLock
	var nonceStore services.NonceStateStore
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cache, err := services.NewRedisCache(redisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer cache.Close()
		lock = services.NewRedisLock(cache)
		nonceStore = services.NewRedisNonceStore(cache)
	} else {
		log.Println("Warning: REDIS_URL not set, nonce coordination is process-local only")
		lock = services.NewLocalLock()
		nonceStore = services.NewMemoryNonceStore()
	}

	// Ledger client
	ledgerURL := os.Getenv("LEDGER_URL")
	if ledgerURL == "" {
		log.Fatal("LEDGER_URL not set")
	}
	ledger := services.NewHTTPLedgerClient(ledgerURL, os.Getenv("LEDGER_API_KEY"))

	nonces := services.NewNonceAllocator(lock, nonceStore, ledger)

	// Signing domain
	chainID := int64(84532)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatalf("Invalid CHAIN_ID: %v", err)
		}
		chainID = parsed
	}
	domain := x402.Domain{
		Name:              envOr("PROTOCOL_NAME", "PayGate"),
		Version:           envOr("PROTOCOL_VERSION", "1"),
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(os.Getenv("VERIFYING_CONTRACT")),
	}
	network := envOr("NETWORK", "eip155:84532")

	feeBps := int64(0)
	if v := os.Getenv("PLATFORM_FEE_BPS"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatalf("Invalid PLATFORM_FEE_BPS: %v", err)
		}
		feeBps = parsed
	}

	settlements := services.NewSettlementService(db, ledger, nonces, domain, network, feeBps)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = appMiddleware.CustomErrorHandler

	// Facilitator surface
	facilitatorHandler := handlers.NewFacilitatorHandler(settlements)
	requestHandler := handlers.NewPaymentRequestHandler(db, settlements)

	e.POST("/verify", facilitatorHandler.VerifyPayment)
	e.POST("/settle", facilitatorHandler.SettlePayment)
	e.GET("/supported", facilitatorHandler.Supported)
	e.GET("/request/:id", requestHandler.GetRequest)
	e.GET("/requests", requestHandler.ListRequests)
	e.GET("/proof/:id", facilitatorHandler.GetProof)

	// Resource-server surface, API-key guarded
	protected := e.Group("", appMiddleware.RequireAPIKey(os.Getenv("API_KEY")))
	protected.POST("/request", requestHandler.CreateRequest)
	protected.POST("/request/:id/cancel", requestHandler.CancelRequest)
	protected.POST("/proof/:id/revoke", facilitatorHandler.RevokeProof)

	// Agent session surface
	if reasonerURL := os.Getenv("REASONER_URL"); reasonerURL != "" {
		reasoner := agent.NewHTTPReasoner(reasonerURL, os.Getenv("REASONER_API_KEY"))
		catalog := buildToolCatalog()

		payTo := os.Getenv("AGENT_PAY_TO")
		if payTo == "" {
			log.Fatal("AGENT_PAY_TO not set (required when REASONER_URL is set)")
		}

		gate := agent.NewGate(agent.NewMemorySessionStore(), reasoner, catalog, settlements, payTo)

		sweepCtx, cancelSweep := context.WithCancel(context.Background())
		defer cancelSweep()
		gate.StartSweeper(sweepCtx, 10*time.Minute)

		agentHandler := handlers.NewAgentHandler(gate)
		e.POST("/agent/chat", agentHandler.Chat)
		e.POST("/agent/execute", agentHandler.Execute)
		e.GET("/agent/session/:id", agentHandler.GetSession)
		e.DELETE("/agent/session/:id", agentHandler.DeleteSession)
	} else {
		log.Println("Warning: REASONER_URL not set, agent session surface disabled")
	}

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	e.Logger.Fatal(e.Start(":" + port))
}

// buildToolCatalog reads the priced tool definitions from TOOL_CATALOG, a
// JSON array of {name, description, price, schema, endpoint}.
func buildToolCatalog() *agent.Catalog {
	catalog := agent.NewCatalog()

	raw := os.Getenv("TOOL_CATALOG")
	if raw == "" {
		log.Println("Warning: TOOL_CATALOG not set, agent has no priced tools")
		return catalog
	}

	var defs []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Price       string          `json:"price"`
		Schema      json.RawMessage `json:"schema"`
		Endpoint    string          `json:"endpoint"`
	}
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		log.Fatalf("Invalid TOOL_CATALOG: %v", err)
	}

	for _, def := range defs {
		catalog.Register(agent.NewHTTPTool(agent.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Price:       def.Price,
			Schema:      def.Schema,
		}, def.Endpoint, os.Getenv("TOOL_API_KEY")))
	}
	log.Printf("Registered %d priced tools", len(defs))
	return catalog
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
