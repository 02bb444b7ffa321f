package main

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/heron/internal/domain"
)

// bindEnv registers every config key with its default so HERON_* variables
// reach keys that no config file mentions.
func bindEnv(v *viper.Viper) {
	def := domain.DefaultConfig()

	defaults := map[string]any{
		"server.host":         def.Server.Host,
		"server.port":         def.Server.Port,
		"server.readTimeout":  def.Server.ReadTimeout,
		"server.writeTimeout": def.Server.WriteTimeout,

		"rules.dir":   def.Rules.Dir,
		"rules.watch": def.Rules.Watch,

		"triage.dryRun":       def.Triage.DryRun,
		"triage.mailbox":      def.Triage.Mailbox,
		"triage.pollInterval": def.Triage.PollInterval,
		"triage.rateLimit":    def.Triage.RateLimit,
		"triage.workers":      def.Triage.Workers,

		"source.type":          def.Source.Type,
		"source.dir":           def.Source.Dir,
		"source.imap.addr":     def.Source.IMAP.Addr,
		"source.imap.username": def.Source.IMAP.Username,
		"source.imap.password": def.Source.IMAP.Password,
		"source.imap.mailbox":  def.Source.IMAP.Mailbox,
		"source.imap.tls":      def.Source.IMAP.TLS,

		"repository.driver":            def.Repository.Driver,
		"repository.sqlitePath":        def.Repository.SQLitePath,
		"repository.postgres.host":     def.Repository.PostgresHost,
		"repository.postgres.port":     def.Repository.PostgresPort,
		"repository.postgres.user":     def.Repository.PostgresUser,
		"repository.postgres.password": def.Repository.PostgresPassword,
		"repository.postgres.db":       def.Repository.PostgresDB,
		"repository.postgres.sslMode":  def.Repository.PostgresSSLMode,

		"cache.type":           def.Cache.Type,
		"cache.localMaxSize":   def.Cache.LocalMaxSize,
		"cache.localTTL":       def.Cache.LocalTTL,
		"cache.redis.addr":     def.Cache.RedisAddr,
		"cache.redis.password": def.Cache.RedisPassword,
		"cache.redis.db":       def.Cache.RedisDB,
		"cache.twoPhase":       def.Cache.EnableTwoPhase,
		"cache.claimTTL":       def.Cache.ClaimTTL,

		"eventBus.type":               def.EventBus.Type,
		"eventBus.channelBufferSize":  def.EventBus.ChannelBufferSize,
		"eventBus.nats.url":           def.EventBus.NATSUrl,
		"eventBus.nats.token":         def.EventBus.NATSToken,
		"eventBus.nats.maxReconnects": def.EventBus.NATSMaxReconnects,
		"eventBus.nats.reconnectWait": def.EventBus.NATSReconnectWait,

		"tracing.enabled":     def.Tracing.Enabled,
		"tracing.serviceName": def.Tracing.ServiceName,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	v.SetEnvPrefix("HERON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// loadConfig builds the runtime configuration from v.
func loadConfig(v *viper.Viper) *domain.Config {
	return &domain.Config{
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.readTimeout"),
			WriteTimeout: v.GetInt("server.writeTimeout"),
		},
		Rules: domain.RulesConfig{
			Dir:   v.GetString("rules.dir"),
			Watch: v.GetBool("rules.watch"),
		},
		Triage: domain.TriageConfig{
			DryRun:       v.GetBool("triage.dryRun"),
			Mailbox:      v.GetString("triage.mailbox"),
			PollInterval: v.GetDuration("triage.pollInterval"),
			RateLimit:    v.GetFloat64("triage.rateLimit"),
			Workers:      v.GetInt("triage.workers"),
		},
		Source: domain.SourceConfig{
			Type: v.GetString("source.type"),
			Dir:  v.GetString("source.dir"),
			IMAP: domain.IMAPConfig{
				Addr:     v.GetString("source.imap.addr"),
				Username: v.GetString("source.imap.username"),
				Password: v.GetString("source.imap.password"),
				Mailbox:  v.GetString("source.imap.mailbox"),
				TLS:      v.GetBool("source.imap.tls"),
			},
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlitePath"),
			PostgresHost:     v.GetString("repository.postgres.host"),
			PostgresPort:     v.GetInt("repository.postgres.port"),
			PostgresUser:     v.GetString("repository.postgres.user"),
			PostgresPassword: v.GetString("repository.postgres.password"),
			PostgresDB:       v.GetString("repository.postgres.db"),
			PostgresSSLMode:  v.GetString("repository.postgres.sslMode"),
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.localMaxSize"),
			LocalTTL:       v.GetDuration("cache.localTTL"),
			RedisAddr:      v.GetString("cache.redis.addr"),
			RedisPassword:  v.GetString("cache.redis.password"),
			RedisDB:        v.GetInt("cache.redis.db"),
			EnableTwoPhase: v.GetBool("cache.twoPhase"),
			ClaimTTL:       v.GetDuration("cache.claimTTL"),
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("eventBus.type"),
			ChannelBufferSize: v.GetInt("eventBus.channelBufferSize"),
			NATSUrl:           v.GetString("eventBus.nats.url"),
			NATSToken:         v.GetString("eventBus.nats.token"),
			NATSMaxReconnects: v.GetInt("eventBus.nats.maxReconnects"),
			NATSReconnectWait: v.GetInt("eventBus.nats.reconnectWait"),
		},
		Logging: domain.LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Tracing: domain.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.serviceName"),
		},
	}
}
