package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"KotApp/app/config"
	"KotApp/app/database"
	"KotApp/app/events"
	"KotApp/app/printserver"
	"KotApp/app/queue"
	"KotApp/app/security"
	"KotApp/app/services"
	"KotApp/app/websocket"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App holds the long-lived services of one process
type App struct {
	ctx    context.Context
	cfg    *config.AppConfig
	loc    *time.Location
	logger *services.LoggerService

	db     *gorm.DB
	cache  *database.LocalCache
	bus    *events.Bus
	redis  *redis.Client
	rabbit *queue.Client

	Ledger   *services.OrderLedger
	Sequence *services.SequenceService
	Prints   *services.PrintQueueService
	KOT      *services.KOTService
	Billing  *services.BillingService
	Tables   *services.TableStateMachine
	Staff    *services.StaffService
	Admin    *services.AdminService
	Sync     *services.SyncWorker

	hub    *websocket.Server
	server *http.Server
}

func main() {
	mode := flag.String("mode", "server", "server or print-server")
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration")
	keyDir := flag.String("keys", "data", "directory holding the encryption key")
	encrypt := flag.String("encrypt", "", "print the encrypted form of a value for config files and exit")
	flag.Parse()

	security.SetKeyDir(*keyDir)
	if *encrypt != "" {
		out, err := security.Encrypt(*encrypt)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encrypt:", err)
			os.Exit(1)
		}
		fmt.Println(out)
		return
	}

	// Load environment variables from .env file (for development)
	if err := godotenv.Load(".env"); err != nil {
		log.Println(".env file not found, using config file and environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("CRITICAL: invalid configuration:", err)
		os.Exit(1)
	}

	loggerService := services.NewLoggerService(cfg.Logging)
	defer loggerService.Close()

	defer func() {
		if r := recover(); r != nil {
			loggerService.LogPanic(r)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loggerService.LogInfo("Application starting", "mode: "+*mode)

	switch *mode {
	case "server":
		app := &App{ctx: ctx, cfg: cfg, logger: loggerService}
		if err := app.startup(); err != nil {
			loggerService.LogFatal("Startup failed", err)
		}
		<-ctx.Done()
		app.shutdown()
	case "print-server":
		if err := runPrintServer(ctx, cfg, loggerService); err != nil {
			loggerService.LogFatal("Print server failed", err)
		}
	default:
		loggerService.LogFatal("Unknown mode", fmt.Errorf("%q is not server or print-server", *mode))
	}
	loggerService.LogInfo("Application stopped")
}

func (a *App) startup() error {
	a.loc = time.Local
	if tz := a.cfg.Business.Timezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("invalid business.timezone: %w", err)
		}
		a.loc = loc
	}

	a.logger.LogInfo("Connecting to ledger database", a.cfg.Database.Driver)
	if err := database.Initialize(a.cfg.Database); err != nil {
		return err
	}
	a.db = database.GetDB()

	if a.cfg.LocalCache.Enabled {
		cache, err := database.OpenLocalCache(a.cfg.LocalCache.Path)
		if err != nil {
			// keep serving without offline support
			a.logger.LogError("Local cache unavailable", err)
		} else {
			a.cache = cache
		}
	}

	a.bus = events.NewBus(256)
	var lock services.TableLock = services.NewMemoryTableLock()
	if a.cfg.Sync.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Sync.RedisAddr,
			Password: a.cfg.Sync.RedisPassword,
		})
		bridge := events.NewRedisBridge(a.redis, a.cfg.Sync.RedisChannel, a.bus)
		if err := bridge.Start(a.ctx); err != nil {
			a.logger.LogError("Redis bridge disabled", err)
		}
		if a.cfg.Sync.LockBackend == "redis" {
			lock = services.NewRedisTableLock(a.redis, a.cfg.Sync.LockTTL)
		}
	}
	if len(a.cfg.Sync.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(events.NewKafkaWriter(a.cfg.Sync.KafkaBrokers, a.cfg.Sync.KafkaTopic))
		go func() {
			defer a.logger.RecoverPanic()
			sink.Run(a.ctx, a.bus)
		}()
		a.logger.LogInfo("Kafka audit sink enabled", a.cfg.Sync.KafkaTopic)
	}

	sink, err := a.printSink()
	if err != nil {
		return err
	}

	a.Ledger = services.NewOrderLedger(services.NewGormLedgerStore(a.db), a.cache, a.bus)
	a.Sequence = services.NewSequenceService(a.db, a.cfg.Sequence.Start, a.cfg.Sequence.Max)
	a.Prints = services.NewPrintQueueService(a.db, a.cache, sink, a.bus, a.logger)
	a.KOT = services.NewKOTService(a.Ledger, a.Sequence, a.Prints, lock, a.bus)
	a.Billing = services.NewBillingService(a.db, a.cache, a.Ledger, a.KOT, a.Sequence, a.Prints, a.cfg.Tables, a.loc)
	a.Tables = services.NewTableStateMachine(a.Ledger, a.cfg.Tables)
	a.Staff = services.NewStaffService(a.db)
	a.Admin = services.NewAdminService(a.Ledger, a.Billing, a.Prints, a.Sequence, a.KOT)

	a.hub = websocket.NewServer(a.bus, a.cfg.Sync.Heartbeat, a.logger)
	go a.hub.Run(a.ctx)

	if a.cache != nil {
		a.Sync = services.NewSyncWorker(a.db, a.cache, a.Ledger, a.Billing, a.Prints, a.logger, a.cfg.LocalCache)
		go a.Sync.Run(a.ctx)
	}

	if a.cfg.Reports.SheetsEnabled {
		a.startReports()
	}

	handlers := websocket.NewRESTHandlers(websocket.API{
		DB:       a.db,
		Ledger:   a.Ledger,
		Tables:   a.Tables,
		KOT:      a.KOT,
		Billing:  a.Billing,
		Sequence: a.Sequence,
		Prints:   a.Prints,
		Staff:    a.Staff,
		Admin:    a.Admin,
		Sync:     a.Sync,
	}, a.hub)

	// no write timeout: /ws and /api/sync stay open
	a.server = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer a.logger.RecoverPanic()
		log.Printf("KOT server listening on %s", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.LogError("HTTP server error", err)
		}
	}()

	if a.cfg.Server.MDNS {
		go websocket.StartMDNS(a.ctx, a.cfg.Server.MDNSName, a.cfg.Server.Addr)
	}
	return nil
}

// printSink picks where tickets go according to printing.mode
func (a *App) printSink() (services.PrinterSink, error) {
	printing := a.cfg.Printing
	switch printing.Mode {
	case "direct":
		a.logger.LogInfo("Printing directly to ESC/POS devices")
		return services.NewPrinterService(printing, a.cfg.Business), nil
	case "http":
		a.logger.LogInfo("Printing through print server", printing.PrintServerURL)
		return services.NewHTTPPrintSink(printing.PrintServerURL, printing.Timeout), nil
	case "rabbitmq":
		client, err := queue.Dial(printing.RabbitURL)
		if err != nil {
			return nil, err
		}
		a.rabbit = client
		a.logger.LogInfo("Printing through RabbitMQ queue", printing.RabbitQueue)
		return services.NewRabbitPrintSink(client, printing.RabbitQueue)
	default:
		a.logger.LogWarning("Printing disabled")
		return services.NoopPrintSink{}, nil
	}
}

func (a *App) startReports() {
	values, err := services.NewSheetsAPI(a.ctx, a.cfg.Reports.CredentialsFile)
	if err != nil {
		a.logger.LogError("Google Sheets export disabled", err)
		return
	}
	sheets := services.NewGoogleSheetsService(values, a.cfg.Reports, a.Billing, a.loc)
	scheduler := services.NewReportSchedulerService(sheets, a.logger, a.cfg.Reports.DailyAt, a.loc)
	a.logger.LogInfo("Starting Google Sheets report scheduler")
	go scheduler.Run(a.ctx)
}

func (a *App) shutdown() {
	a.logger.LogInfo("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.LogError("HTTP shutdown", err)
		}
	}

	if a.Prints != nil {
		a.Prints.Wait()
	}
	if a.rabbit != nil {
		a.rabbit.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if err := database.Close(); err != nil {
		a.logger.LogError("Database close", err)
	}
}

// runPrintServer drives the local printers for tickets sent by the KOT server
func runPrintServer(ctx context.Context, cfg *config.AppConfig, logger *services.LoggerService) error {
	printer := services.NewPrinterService(cfg.Printing, cfg.Business)
	server := printserver.NewServer(cfg.Printing.PrintServerAddr, printer, logger)

	if cfg.Printing.RabbitURL != "" {
		client, err := queue.Dial(cfg.Printing.RabbitURL)
		if err != nil {
			return err
		}
		defer client.Close()
		go func() {
			if err := server.ConsumeQueue(ctx, client, cfg.Printing.RabbitQueue); err != nil {
				logger.LogError("Print queue consumer stopped", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		defer logger.RecoverPanic()
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return server.Stop()
	}
}
