package config

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort  string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost  string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`  // development, staging, production
	ServiceName string `env:"SERVICE_NAME" envDefault:"siteattend"`
	Timezone    string `env:"TIMEZONE" envDefault:"Asia/Phnom_Penh"`

	// PostgreSQL 配置
	PostgreSQLHost       string `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort       string `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser       string `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword   string `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase   string `env:"POSTGRESQL_DATABASE" envDefault:"siteattend"`
	PostgreSQLSchema     string `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode    string `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle    int    `env:"POSTGRESQL_MAX_IDLE" envDefault:"30"`
	PostgreSQLMaxOpen    int    `env:"POSTGRESQL_MAX_OPEN" envDefault:"200"`
	PostgreSQLReplicaDSN string `env:"POSTGRESQL_REPLICA_DSN"`                      // 只读副本，可选

	// Redis 配置
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"satt"`

	// RabbitMQ 配置
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	// JWT 配置
	JWTSecret        string `env:"JWT_SECRET"`                          // 必填，用于签名 JWT
	JWTExpireMinutes int    `env:"JWT_EXPIRE_MINUTES" envDefault:"720"`
	JWTRefreshDays   int    `env:"JWT_REFRESH_DAYS" envDefault:"7"`

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"`        // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`

	// 链路追踪配置
	TracingEnabled bool    `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint   string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	TracingSampler float64 `env:"TRACING_SAMPLER" envDefault:"0.1"`

	// 速率限制配置, 配置在中间件内
	RateLimitEnabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRPS     int  `env:"RATE_LIMIT_RPS" envDefault:"100"`      // 每秒请求数

	// 未分配站点的用户使用的默认站点策略
	SiteDefaultLatitude       string  `env:"SITE_DEFAULT_LATITUDE"`
	SiteDefaultLongitude      string  `env:"SITE_DEFAULT_LONGITUDE"`
	SiteDefaultRadiusMeters   float64 `env:"SITE_DEFAULT_RADIUS_METERS" envDefault:"100"`
	SiteDefaultWorkStart      string  `env:"SITE_DEFAULT_WORK_START" envDefault:"08:00"`
	SiteDefaultWorkEnd        string  `env:"SITE_DEFAULT_WORK_END" envDefault:"17:00"`
	SiteDefaultLateMinutes    int     `env:"SITE_DEFAULT_LATE_THRESHOLD_MINUTES" envDefault:"15"`
	SiteDefaultMinWorkingHour float64 `env:"SITE_DEFAULT_MINIMUM_WORKING_HOURS" envDefault:"8"`

	// 缓存配置
	StatusCacheSeconds int `env:"STATUS_CACHE_SECONDS" envDefault:"60"`
	SiteCacheSeconds   int `env:"SITE_CACHE_SECONDS" envDefault:"600"`

	// 客户端（agent）配置
	AgentServerURL       string        `env:"AGENT_SERVER_URL" envDefault:"http://localhost:8888"`
	AgentToken           string        `env:"AGENT_TOKEN"`
	AgentUserID          string        `env:"AGENT_USER_ID"`
	AgentDBDriver        string        `env:"AGENT_DB_DRIVER" envDefault:"postgres"`               // postgres, mysql, memory
	AgentDBDSN           string        `env:"AGENT_DB_DSN"`
	AgentAllowMemory     bool          `env:"AGENT_ALLOW_MEMORY_STORE" envDefault:"false"`        // memory 驱动退出即丢失离线队列
	AgentRequestTimeout  time.Duration `env:"AGENT_REQUEST_TIMEOUT" envDefault:"15s"`
	AgentSampleInterval  time.Duration `env:"AGENT_SAMPLE_INTERVAL" envDefault:"30s"`
	AgentSampleTimeout   time.Duration `env:"AGENT_SAMPLE_TIMEOUT" envDefault:"10s"`
	AgentSyncInterval    time.Duration `env:"AGENT_SYNC_INTERVAL" envDefault:"15m"`
	AgentSyncRetention   time.Duration `env:"AGENT_SYNC_RETENTION" envDefault:"168h"`
	AgentSyncMaxAttempts int           `env:"AGENT_SYNC_MAX_ATTEMPTS" envDefault:"3"`
	AgentProbeInterval   time.Duration `env:"AGENT_PROBE_INTERVAL" envDefault:"30s"`
	AgentLocationSource  string        `env:"AGENT_LOCATION_SOURCE" envDefault:"static"`           // static, replay
	AgentDeviceLatitude  float64       `env:"AGENT_DEVICE_LATITUDE"`
	AgentDeviceLongitude float64       `env:"AGENT_DEVICE_LONGITUDE"`
	AgentReplayFile      string        `env:"AGENT_REPLAY_FILE"`
	AgentLeaveEndpoint   string        `env:"AGENT_LEAVE_ENDPOINT" envDefault:"/leaves"`
	AgentUserEndpoint    string        `env:"AGENT_USER_ENDPOINT" envDefault:"/users"`
}

func init() {
	if err := godotenv.Load(); err != nil {
		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	Cfg = Config{}
	if err := env.Parse(&Cfg); err != nil {
		log.Fatalf("Failed to parse environment variables: %v", err)
	}
}

// Validate 检查服务端必需的配置，agent 与测试不需要
func Validate() {
	if Cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	if _, err := time.LoadLocation(Cfg.Timezone); err != nil {
		log.Fatalf("TIMEZONE %q is invalid: %v", Cfg.Timezone, err)
	}

	if (Cfg.SiteDefaultLatitude == "") != (Cfg.SiteDefaultLongitude == "") {
		log.Fatal("SITE_DEFAULT_LATITUDE and SITE_DEFAULT_LONGITUDE must be set together")
	}

	if _, _, ok := Cfg.DefaultSiteCoordinates(); !ok {
		log.Printf("WARN: default site has no coordinates, unassigned users skip geofence validation")
	}
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s search_path=%s",
		c.PostgreSQLHost,
		c.PostgreSQLPort,
		c.PostgreSQLUser,
		c.PostgreSQLPassword,
		c.PostgreSQLDatabase,
		c.PostgreSQLSSLMode,
		c.PostgreSQLSchema,
	)
}

func (c *Config) GetRabbitMQURL() string {
	return "amqp://" + c.RabbitMQUsername + ":" + c.RabbitMQPassword + "@" + c.RabbitMQAddr + ":" + c.RabbitMQPort + c.RabbitMQVhost
}

// DefaultSiteCoordinates 解析默认站点坐标，未配置或格式错误时 ok 为 false
func (c *Config) DefaultSiteCoordinates() (lat, lng float64, ok bool) {
	if c.SiteDefaultLatitude == "" || c.SiteDefaultLongitude == "" {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(c.SiteDefaultLatitude, 64)
	if err != nil {
		return 0, 0, false
	}
	lng, err = strconv.ParseFloat(c.SiteDefaultLongitude, 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

// Location 返回配置的业务时区，解析失败时退回本地时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
