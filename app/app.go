package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"outreach-ab-engine/api"
	"outreach-ab-engine/cache"
	"outreach-ab-engine/config"
	"outreach-ab-engine/database"
	"outreach-ab-engine/experiment"
	"outreach-ab-engine/feed"
	"outreach-ab-engine/handlers"
	"outreach-ab-engine/metrics"
	"outreach-ab-engine/notifications"
	"outreach-ab-engine/promotion"
	"outreach-ab-engine/realtime"
)

// App represents the main application
type App struct {
	config         *config.Config
	db             *database.Database
	rawDB          *database.DB
	redis          *cache.RedisClient
	expRepo        *database.ExperimentRepository
	outcomeBuffer  *database.OutcomeBuffer
	promoRepo      *database.PromotionRepository
	registry       *experiment.Registry
	evaluator      *promotion.Evaluator
	controller     *promotion.Controller
	scanner        *promotion.Scanner
	monitor        *promotion.Monitor
	webhookManager *notifications.WebhookManager
	broker         *realtime.Broker
	feedManager    *feed.ConnectionManager
	handlerManager *handlers.HandlerManager
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{
		config:         cfg,
		handlerManager: handlers.NewHandlerManager(),
	}
}

// promotionEvents fans promotion lifecycle events out to the SSE broker, the
// webhook manager, and the redis pub/sub channel other engine instances watch.
type promotionEvents struct {
	broker   *realtime.Broker
	webhooks *notifications.WebhookManager
	redis    *cache.RedisClient
}

// promotionChannel is the redis pub/sub channel for lifecycle events.
const promotionChannel = "ab:promotions"

func (pe *promotionEvents) PromotionEvent(event string, p *promotion.Promotion) {
	if pe.broker != nil {
		pe.broker.Broadcast(event, p)
	}
	if pe.webhooks != nil {
		pe.webhooks.PromotionEvent(event, p)
	}
	if pe.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		payload := map[string]interface{}{"event": event, "promotion": p}
		if err := pe.redis.Publish(ctx, promotionChannel, payload); err != nil {
			log.Printf("⚠️ Failed to publish %s to redis: %v", event, err)
		}
	}
}

// Start starts the application
func (a *App) Start() error {
	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Database Connection (optional)
	if a.config.DatabaseEnabled {
		fmt.Println("🗄️  Connecting to database...")

		dbPort, err := strconv.Atoi(a.config.DatabasePort)
		if err != nil {
			return fmt.Errorf("invalid database port: %w", err)
		}

		db, err := database.Connect(
			a.config.DatabaseHost,
			dbPort,
			a.config.DatabaseName,
			a.config.DatabaseUser,
			a.config.DatabasePassword,
		)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.db = db

		rawDB, err := database.NewConnection(database.Config{
			Host:     a.config.DatabaseHost,
			Port:     a.config.DatabasePort,
			User:     a.config.DatabaseUser,
			Password: a.config.DatabasePassword,
			DBName:   a.config.DatabaseName,
		})
		if err != nil {
			return fmt.Errorf("raw database connection failed: %w", err)
		}
		a.rawDB = rawDB

		a.expRepo = database.NewExperimentRepository(a.db, a.rawDB)
		if err := a.expRepo.InitSchema(); err != nil {
			return fmt.Errorf("schema initialization failed: %w", err)
		}
		a.promoRepo = database.NewPromotionRepository(a.db)

		a.outcomeBuffer = database.NewOutcomeBuffer(a.expRepo, 100, 5*time.Second)
		go a.outcomeBuffer.Start()
	} else {
		log.Println("ℹ️  Persistence DISABLED, running in-memory only")
	}

	// 2. Redis Connection (optional)
	var assignmentCache *cache.AssignmentCache
	if a.config.RedisEnabled {
		fmt.Println("🧠 Connecting to Redis...")
		redisClient := cache.NewRedisClient(
			a.config.RedisHost,
			a.config.RedisPort,
			a.config.RedisPassword,
		)

		if redisClient == nil {
			fmt.Println("⚠️  Redis connection failed. Assignment caching disabled.")
		} else {
			a.redis = redisClient
			assignmentCache = cache.NewAssignmentCache(redisClient)
		}
	}

	// 3. Experiment Registry
	var expStore experiment.Store
	if a.outcomeBuffer != nil {
		expStore = a.outcomeBuffer
	}
	var regCache experiment.AssignmentCache
	if assignmentCache != nil {
		regCache = assignmentCache
	}
	a.registry = experiment.NewRegistry(experiment.NewOutcomeStore(), expStore, regCache)

	if a.expRepo != nil {
		a.restoreExperiments()
	}

	// 4. Realtime Broker
	a.broker = realtime.NewBroker()
	go a.broker.Run()

	// 5. Webhook Manager and Traffic Allocator
	a.webhookManager = notifications.NewWebhookManager(
		a.config.Webhook.NotifyURLs,
		a.config.Webhook.AuthToken,
		a.config.Webhook.RetryCount,
		a.config.Webhook.RetryDelay,
	)

	var allocator promotion.TrafficAllocator
	if a.config.Webhook.RolloutURL != "" {
		allocator = notifications.NewWebhookAllocator(a.config.Webhook.RolloutURL, a.config.Webhook.AuthToken)
		log.Printf("✅ Rollout signals -> %s", a.config.Webhook.RolloutURL)
	} else {
		log.Println("ℹ️  No rollout webhook configured, allocation changes will be logged only")
	}

	// 6. Promotion Engine
	var promoStore promotion.Store
	if a.promoRepo != nil {
		promoStore = a.promoRepo
	}

	thresholds := promotion.Thresholds{
		MaxPValue:      a.config.Promotion.MaxPValue,
		MinLiftPct:     a.config.Promotion.MinLiftPct,
		MinSampleSize:  a.config.Promotion.MinSampleSize,
		MinRuntimeDays: a.config.Promotion.MinRuntimeDays,
		LookbackDays:   a.config.Promotion.LookbackDays,
	}
	a.evaluator = promotion.NewEvaluator(a.registry, promoStore, thresholds)

	sink := &promotionEvents{broker: a.broker, webhooks: a.webhookManager, redis: a.redis}
	a.controller = promotion.NewController(a.registry, promoStore, nil, allocator, sink, promotion.CanaryConfig{
		TrafficPct:  a.config.Promotion.CanaryTrafficPct,
		WindowHours: a.config.Promotion.CanaryWindowHours,
	})
	a.controller.Restore()

	// 7. Promotion sweep loops
	a.scanner = promotion.NewScanner(a.evaluator, a.controller, a.config.Promotion.ScanInterval)
	go a.scanner.Start()

	a.monitor = promotion.NewMonitor(a.controller, a.config.Promotion.MonitorInterval)
	go a.monitor.Start()

	// 8. API Server
	apiServer := api.NewServer(a.registry, a.evaluator, a.controller, a.broker)
	go func() {
		if err := apiServer.Start(a.config.APIPort); err != nil {
			log.Printf("⚠️  API Server failed: %v", err)
		}
	}()

	// Setup WaitGroup for goroutines
	var wg sync.WaitGroup

	// 9. Engagement feed (optional)
	if a.config.Feed.Enabled {
		a.setupHandlers()

		a.feedManager = feed.NewConnectionManager(a.config.Feed.URL, a.config.Feed.AuthToken)
		if err := a.feedManager.Connect(); err != nil {
			return fmt.Errorf("feed connection failed: %w", err)
		}
		a.feedManager.StartPing(25 * time.Second)
		log.Println("✅ Engagement feed connected")

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.feedManager.RunHealthMonitor(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.readAndProcessFrames(ctx)
		}()
	} else {
		log.Println("ℹ️  Engagement feed DISABLED, outcomes arrive via API only")
	}

	// 10. Wait for interrupt and perform graceful shutdown
	err := a.gracefulShutdown(cancel)
	wg.Wait()
	return err
}

// restoreExperiments rebuilds the in-memory registry from persistence so
// restarts keep experiment runtimes and sticky assignments.
func (a *App) restoreExperiments() {
	experiments, err := a.expRepo.LoadExperiments()
	if err != nil {
		log.Printf("⚠️ Failed to load persisted experiments: %v", err)
		return
	}

	restored := 0
	for _, exp := range experiments {
		if exp.Status != experiment.StatusActive {
			continue
		}
		if err := a.registry.Restore(exp); err != nil {
			log.Printf("⚠️ Failed to restore experiment %s: %v", exp.ID, err)
			continue
		}

		assignments, err := a.expRepo.LoadAssignments(exp.ID)
		if err != nil {
			log.Printf("⚠️ Failed to load assignments for %s: %v", exp.ID, err)
		}
		for _, rec := range assignments {
			if _, err := a.registry.Outcomes().RecordAssignment(rec.ExperimentID, rec.SubjectID, rec.Variant); err != nil {
				log.Printf("⚠️ Skipping stale assignment %s/%s: %v", rec.ExperimentID, rec.SubjectID, err)
			}
		}
		restored++
	}

	if restored > 0 {
		metrics.ActiveExperiments.Set(float64(restored))
		log.Printf("🔄 Restored %d active experiments from database", restored)
	}
}

// gracefulShutdown handles graceful shutdown with timeout
func (a *App) gracefulShutdown(cancel context.CancelFunc) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	<-interrupt
	fmt.Println("\n🛑 Shutdown signal received, initiating graceful shutdown...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	shutdownComplete := make(chan struct{})
	go func() {
		if a.scanner != nil {
			fmt.Println("🎯 Stopping promotion scanner...")
			a.scanner.Stop()
		}
		if a.monitor != nil {
			fmt.Println("🔍 Stopping canary monitor...")
			a.monitor.Stop()
		}
		if a.outcomeBuffer != nil {
			fmt.Println("📊 Flushing outcome buffer...")
			a.outcomeBuffer.Stop()
		}

		if a.feedManager != nil {
			fmt.Println("📡 Closing engagement feed connection...")
			if err := a.feedManager.Close(); err != nil {
				log.Printf("Error closing feed: %v", err)
			} else {
				fmt.Println("✅ Engagement feed closed")
			}
		}

		if a.rawDB != nil {
			if err := a.rawDB.Close(); err != nil {
				log.Printf("Error closing raw database: %v", err)
			}
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				log.Printf("Error closing database: %v", err)
			} else {
				fmt.Println("✅ Database connection closed")
			}
		}

		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				log.Printf("Error closing redis: %v", err)
			} else {
				fmt.Println("✅ Redis connection closed")
			}
		}

		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		fmt.Println("✅ Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		fmt.Println("⚠️  Shutdown timeout exceeded, forcing exit")
		return fmt.Errorf("shutdown timeout")
	}
}

// readAndProcessFrames reads frames from the feed and dispatches them
func (a *App) readAndProcessFrames(ctx context.Context) {
	reconnectDelay := 5 * time.Second
	maxReconnectDelay := 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
			frame, err := a.feedManager.ReadFrame()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					log.Printf("⚠️  Feed error: %v", err)
					log.Printf("🔄 Attempting to reconnect in %v...", reconnectDelay)

					select {
					case <-ctx.Done():
						return
					case <-time.After(reconnectDelay):
					}

					if err := a.feedManager.Reconnect(); err != nil {
						log.Printf("❌ Reconnection failed: %v", err)
						// Exponential backoff
						reconnectDelay = reconnectDelay * 2
						if reconnectDelay > maxReconnectDelay {
							reconnectDelay = maxReconnectDelay
						}
						continue
					}

					reconnectDelay = 5 * time.Second
					continue
				}
			}

			if err := a.handlerManager.HandleFrame(frame); err != nil {
				log.Printf("Handler error: %v", err)
				continue
			}
		}
	}
}

// setupHandlers initializes and registers all feed frame handlers
func (a *App) setupHandlers() {
	engagementHandler := handlers.NewEngagementHandler(a.registry, a.broker)
	a.handlerManager.RegisterHandler(engagementHandler)
}
