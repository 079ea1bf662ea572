package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/config"
	"streakstr/internal/dm"
	"streakstr/internal/notification"
	"streakstr/internal/relay"
	"streakstr/internal/store"
	"streakstr/internal/workers"
	"streakstr/middleware"
	"streakstr/services"
)

// app holds the wired engine shared by every command.
type app struct {
	cfg      config.Config
	store    store.Store
	cache    cache.Cache
	relays   *relay.Pool
	botSK    string
	botPK    string
	notifier *notification.NostrNotifier

	dispatcher *services.NotificationDispatcher
	limiter    *middleware.KeyedLimiter
	processor  *services.EventProcessor
	manager    *services.SubscriptionManager
	scheduler  *workers.Scheduler
	tracking   *workers.Tracking

	dbPool *pgxpool.Pool
	redis  *cache.RedisCache
	stop   chan struct{}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, *pgxpool.Pool, error) {
	if cfg.Store == "memory" {
		log.Warn("STORE=memory: streak state is lost on restart")
		return store.NewMemory(clock.WallClock), nil, nil
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL environment variable is not set")
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Println("Successfully connected to database")
	return pg, pool, nil
}

func openCache(ctx context.Context, cfg config.Config, stop <-chan struct{}) (cache.Cache, *cache.RedisCache, error) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set: using process-local cache, dedup does not span processes")
		mc := cache.NewMemoryCache(clock.WallClock)
		go mc.Run(10*time.Minute, stop)
		return mc, nil, nil
	}
	rc, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := rc.Ping(ctx); err != nil {
		// locks fall back to the audit tables while redis is away
		log.WithError(err).Warn("redis unreachable at startup")
	}
	return rc, rc, nil
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sk, err := cfg.SecretKeyHex()
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive bot public key: %w", err)
	}

	a := &app{cfg: cfg, botSK: sk, botPK: pk, stop: make(chan struct{})}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.store, a.dbPool, err = openStore(initCtx, cfg); err != nil {
		return nil, err
	}
	if a.cache, a.redis, err = openCache(initCtx, cfg, a.stop); err != nil {
		a.close()
		return nil, err
	}

	a.relays = relay.NewPool(ctx, cfg.RelayURLs)
	a.notifier, err = notification.NewNostrNotifier(sk, a.relays, cfg.PublishRate, cfg.PublishBurst)
	if err != nil {
		a.close()
		return nil, err
	}

	a.dispatcher = services.NewNotificationDispatcher(a.notifier, 4)
	a.limiter = middleware.PerMinute(cfg.CommandRate, nil)
	go a.limiter.Run(a.stop)

	a.processor = services.NewEventProcessor(services.ProcessorDeps{
		Store:     a.store,
		Cache:     a.cache,
		Decoder:   dm.NewDecoder(sk),
		BotPubkey: pk,
		Replies:   a.dispatcher,
		Limiter:   a.limiter,
		Workers:   cfg.ProcessorWorkers,
	})
	a.manager = services.NewSubscriptionManager(ctx, a.relays, clock.WallClock, services.SubscriptionOptions{
		BaseDelay:    cfg.ReconnectBaseDelay,
		MaxDelay:     cfg.ReconnectMaxDelay,
		ClosingGrace: cfg.ClosingGrace,
	})
	a.scheduler = workers.NewScheduler(a.store, a.cache, a.notifier, clock.WallClock, workers.Options{
		GracePeriod:      cfg.GracePeriod,
		ReminderInterval: cfg.ReminderInterval,
		EnforceInterval:  cfg.EnforceInterval,
	})
	a.processor.SetRefresher(a.scheduler)

	log.WithFields(log.Fields{"bot": pk, "relays": cfg.RelayURLs}).Info("engine wired")
	return a, nil
}

// startTracking attaches the live interaction subscription to the scheduler.
// Live filters only ask for events newer than since.
func (a *app) startTracking(since time.Time) {
	a.tracking = workers.NewTracking(a.store, a.manager, services.SubInteractions,
		func(authors []string) nostr.Filter {
			return services.InteractionFilter(authors, since, 0)
		},
		a.processor.Dispatch)
	a.scheduler.SetTracking(a.tracking)
}

// catchUp replays stored follows, commands and interactions through the
// processor, in that order, before the live subscriptions open.
func (a *app) catchUp(ctx context.Context) error {
	limit := a.cfg.CatchUpLimit
	steps := []struct {
		name   string
		filter func() (nostr.Filter, bool, error)
	}{
		{services.SubFollows, func() (nostr.Filter, bool, error) {
			return services.FollowFilter(a.botPK, time.Time{}, limit), true, nil
		}},
		{services.SubDMs, func() (nostr.Filter, bool, error) {
			return services.DMFilter(a.botPK, time.Time{}, limit), true, nil
		}},
		{services.SubInteractions, func() (nostr.Filter, bool, error) {
			ids, err := a.store.TrackedIdentities(ctx)
			if err != nil || len(ids) == 0 {
				return nostr.Filter{}, false, err
			}
			return services.InteractionFilter(ids, time.Time{}, limit), true, nil
		}},
	}

	for _, step := range steps {
		filter, ok, err := step.filter()
		if err != nil {
			return fmt.Errorf("failed to build %s catch-up filter: %w", step.name, err)
		}
		if !ok {
			continue
		}
		n, err := a.manager.CatchUp(ctx, filter, a.processor.Handle)
		if err != nil {
			log.WithField("subscription", step.name).WithError(err).Warn("catch-up failed")
			continue
		}
		log.WithFields(log.Fields{"subscription": step.name, "events": n}).Info("catch-up complete")
	}
	return nil
}

func (a *app) close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}
	if a.dbPool != nil {
		log.Println("Closing database connection pool...")
		a.dbPool.Close()
	}
}
