// cmd/coupon-service/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"nexus-coupon/internal/pkg/bootstrap"
	"nexus-coupon/internal/pkg/config"
	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/mq"
	"nexus-coupon/internal/pkg/nacos"
	"nexus-coupon/internal/pkg/redis"
	"nexus-coupon/internal/pkg/tracing"
	"nexus-coupon/internal/pkg/zookeeper"
	"nexus-coupon/internal/service/coupon/application"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
	"nexus-coupon/internal/service/coupon/infrastructure"
	"nexus-coupon/internal/service/coupon/infrastructure/memory"
	"nexus-coupon/internal/service/coupon/infrastructure/rule"
	"nexus-coupon/internal/service/coupon/interfaces"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := config.Load(os.Getenv("COUPON_CONFIG"))
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Service.Name, cfg.Service.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdown []func(ctx context.Context)

	// 1. 可选的 Nacos 配置中心，远程配置覆盖本地配置
	var nacosClient *nacos.Client
	if cfg.Infra.Nacos.ServerAddrs != "" {
		nacosClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		applyRemoteConfig(cfg, nacosClient)
		shutdown = append(shutdown, func(context.Context) { nacosClient.Close() })
	}

	// 2. 初始化核心技术组件
	tp, err := tracing.InitTracerProvider(cfg.Service.Name, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	shutdown = append(shutdown, func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			logger.L().Error().Err(err).Msg("Error shutting down tracer provider")
		}
	})
	tracer := otel.Tracer(cfg.Service.Name)

	// 3. 存储: 快速通道 + 关系库
	var (
		store     port.AdmissionStore
		campaigns domain.CampaignRepository
		writer    domain.IssuanceWriter
		coupons   domain.UserCouponRepository
	)
	switch cfg.Store.Driver {
	case "memory":
		logger.L().Warn().Msg("⚠️ Using in-memory store, state is lost on restart.")
		repo := memory.NewRepository()
		store, campaigns, writer, coupons = memory.NewStore(), repo, repo, repo
	default:
		redisClient, err := redis.NewClient(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize redis client")
		}
		shutdown = append(shutdown, func(context.Context) { _ = redisClient.Close() })
		redisStore, err := infrastructure.NewAdmissionRedisStore(redisClient)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize admission store")
		}

		db, err := infrastructure.OpenMySQL(cfg.MySQL)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize mysql")
		}
		repo := infrastructure.NewGormCouponRepository(db)
		store, campaigns, writer, coupons = redisStore, repo, repo, repo
	}

	rules, err := rule.NewCELRuleEngine()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to initialize rule engine")
	}

	// 4. Kafka: 发券请求和死信两个主题。brokers 为空时只运行快速通道 + 调度器。
	var (
		deadLetters port.DeadLetterPublisher
		requests    port.IssuanceRequestPublisher
	)
	kafkaEnabled := cfg.Kafka.Brokers != ""
	if kafkaEnabled {
		requestWriter := mq.NewKafkaWriter(cfg.Kafka.BrokerList(), cfg.Kafka.IssuanceTopic)
		deadLetterWriter := mq.NewKafkaWriter(cfg.Kafka.BrokerList(), cfg.Kafka.DeadLetterTopic)
		shutdown = append(shutdown, func(context.Context) {
			_ = requestWriter.Close()
			_ = deadLetterWriter.Close()
		})
		requests = infrastructure.NewIssuanceRequestKafkaAdapter(requestWriter)
		deadLetters = infrastructure.NewDeadLetterKafkaAdapter(deadLetterWriter)
	}

	// 5. 业务 Service
	gatekeeper := application.NewGatekeeper(campaigns, store, rules, cfg.Admission.StatusTTL, tracer)
	issuer := application.NewIssuanceService(writer, store, requests, cfg.Admission.StatusTTL, tracer)
	scheduler := application.NewScheduler(campaigns, store, issuer, deadLetters, application.SchedulerOptions{
		Interval:     cfg.Scheduler.Interval,
		MaxBatchSize: cfg.Scheduler.MaxBatchSize,
		StatusTTL:    cfg.Admission.StatusTTL,
	}, tracer)
	if cfg.Scheduler.ClusterLock {
		zkConn, err := zookeeper.Connect(cfg.Infra.ZooKeeper.Servers, cfg.Infra.ZooKeeper.SessionTimeout)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		shutdown = append(shutdown, func(context.Context) { zkConn.Close() })
		lock, err := zookeeper.NewDistributedLock(zkConn, "coupon-scheduler")
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to create scheduler cluster lock")
		}
		scheduler.WithTickGuard(lock)
	}
	statusSvc := application.NewStatusService(campaigns, store)
	ownership := application.NewOwnershipService(campaigns, coupons, tracer)

	background := []func(ctx context.Context) error{scheduler.Run}

	// 6. 驱动适配器
	if kafkaEnabled {
		consumer := interfaces.NewIssuanceConsumerAdapter(
			mq.NewKafkaReader(cfg.Kafka.BrokerList(), cfg.Kafka.IssuanceTopic, cfg.Kafka.IssuanceGroup),
			issuer, deadLetters,
			interfaces.ConsumerOptions{
				MaxAttempts: cfg.Consumer.MaxAttempts,
				BackoffUnit: cfg.Consumer.BackoffUnit,
				MaxInFlight: cfg.Consumer.MaxInFlight,
			}, tracer)
		observer := interfaces.NewDltConsumerAdapter(
			mq.NewKafkaReader(cfg.Kafka.BrokerList(), cfg.Kafka.DeadLetterTopic, cfg.Kafka.DeadLetterGroup))

		background = append(background, func(ctx context.Context) error {
			consumer.Start(ctx)
			observer.Start(ctx)
			<-ctx.Done()
			consumer.Stop()
			observer.Stop()
			return nil
		})
	}

	handler := interfaces.NewCouponHandler(gatekeeper, issuer, statusSvc, ownership, tracer)

	err = bootstrap.StartService(ctx, bootstrap.AppInfo{
		ServiceName:      cfg.Service.Name,
		Port:             cfg.Service.Port,
		Nacos:            nacosClient,
		RegisterHandlers: handler.RegisterRoutes,
		Background:       background,
		OnShutdown:       shutdown,
	})
	if err != nil {
		logger.L().Fatal().Err(err).Msg("service exited with error")
	}
}

// applyRemoteConfig 拉取 Nacos 上的 YAML 覆盖本地配置，并监听后续变更。
// 变更只记录日志，调度和消费参数在启动时已经固定，需要重启生效。
func applyRemoteConfig(cfg *config.Config, client *nacos.Client) {
	dataID := cfg.Infra.Nacos.DataID
	content, err := client.GetConfig(dataID)
	if err != nil {
		logger.L().Warn().Err(err).Str("data_id", dataID).Msg("⚠️ remote config unavailable, using local config")
		return
	}
	if content != "" {
		merged := *cfg
		if err := merged.Merge([]byte(content)); err != nil {
			logger.L().Warn().Err(err).Msg("⚠️ invalid remote config ignored")
		} else if err := merged.Validate(); err != nil {
			logger.L().Warn().Err(err).Msg("⚠️ invalid remote config ignored")
		} else {
			*cfg = merged
			logger.L().Info().Str("data_id", dataID).Msg("✅ Remote config applied.")
		}
	}

	err = client.ListenConfig(dataID, func(string) {
		logger.L().Warn().Str("data_id", dataID).Msg("remote config changed, restart the service to apply it")
	})
	if err != nil {
		logger.L().Warn().Err(err).Msg("⚠️ failed to listen for remote config changes")
	}
}
