package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	ChainModeInProcess = "inprocess"
	ChainModeKafka     = "kafka"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqEnabled     bool

	ChainMode           string
	OutboxPollMS        int
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxLeaseSec      int
	OutboxRescanSec     int
	ConsumerMaxAttempts int
	AssetLockTTLSec     int

	RULCacheTTLSec      int
	MetadataCacheTTLSec int

	NotifyCooldownSec      int
	NotifyAttemptTimeoutMS int
	EmailMaxAttempts       int
	WebhookMaxAttempts     int
	RetryBaseDelayMS       int
	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	SMTPFrom               string
	WSAllowedOrigins       []string
	WSConnectRPS           float64
	WSConnectBurst         int

	EscalationIntervalSec int
	ReminderIntervalSec   int
	ReminderStaleHours    int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:            serviceName,
		HTTPPort:               httpPort,
		LogLevel:               "info",
		RequestTimeoutMS:       30000,
		JWKSTTLSeconds:         300,
		JWTClockSkewSec:        60,
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		KafkaClientID:          serviceName,
		KafkaRetryMax:          5,
		KafkaWriteMS:           5000,
		AsynqQueue:             "default",
		AsynqConcurrency:       10,
		ChainMode:              ChainModeInProcess,
		OutboxPollMS:           1000,
		OutboxBatchSize:        50,
		OutboxMaxAttempts:      20,
		OutboxLeaseSec:         30,
		ConsumerMaxAttempts:    3,
		AssetLockTTLSec:        10,
		RULCacheTTLSec:         300,
		MetadataCacheTTLSec:    86400,
		NotifyCooldownSec:      300,
		NotifyAttemptTimeoutMS: 5000,
		EmailMaxAttempts:       3,
		WebhookMaxAttempts:     5,
		RetryBaseDelayMS:       1000,
		SMTPPort:               587,
		WSConnectRPS:           2,
		WSConnectBurst:         10,
		EscalationIntervalSec:  300,
		ReminderIntervalSec:    3600,
		ReminderStaleHours:     24,
		InfluxTimeoutMS:        5000,
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
	}
}

// Load resolves defaults, then the JSON config file, then environment variables.
// Invalid values are reported as problems and fall back to their defaults.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = strings.TrimSpace(os.Getenv("ENV"))
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := cfg.Env != ""
	explicitPath := cfg.ConfigPath != ""

	if root, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(root, "configs", cfg.Env+".json")
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, explicitPath)
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, serviceNameDefault, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, serviceName string, httpPort int, problems *[]Problem) {
	def := defaults(serviceName, httpPort)

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPort
	}

	rules := []struct {
		key string
		ptr *int
		min int
		def int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 1, def.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 1, def.JWKSTTLSeconds},
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 0, def.JWTClockSkewSec},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, 1, def.DBMaxConns},
		{"DB_MIN_CONNS", &cfg.DBMinConns, 0, def.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 1, def.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1, def.DBConnMaxLifeSec},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 0, def.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 1, def.KafkaWriteMS},
		{"REDIS_DB", &cfg.RedisDB, 0, def.RedisDB},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0, def.AsynqRedisDB},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 1, def.AsynqConcurrency},
		{"OUTBOX_POLL_INTERVAL_MS", &cfg.OutboxPollMS, 1, def.OutboxPollMS},
		{"OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, 1, def.OutboxBatchSize},
		{"OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, 1, def.OutboxMaxAttempts},
		{"OUTBOX_LEASE_SECONDS", &cfg.OutboxLeaseSec, 1, def.OutboxLeaseSec},
		{"OUTBOX_RESCAN_INTERVAL_SECONDS", &cfg.OutboxRescanSec, 0, def.OutboxRescanSec},
		{"CONSUMER_MAX_ATTEMPTS", &cfg.ConsumerMaxAttempts, 1, def.ConsumerMaxAttempts},
		{"ASSET_LOCK_TTL_SECONDS", &cfg.AssetLockTTLSec, 1, def.AssetLockTTLSec},
		{"RUL_CACHE_TTL_SECONDS", &cfg.RULCacheTTLSec, 1, def.RULCacheTTLSec},
		{"METADATA_CACHE_TTL_SECONDS", &cfg.MetadataCacheTTLSec, 1, def.MetadataCacheTTLSec},
		{"NOTIFY_COOLDOWN_SECONDS", &cfg.NotifyCooldownSec, 1, def.NotifyCooldownSec},
		{"NOTIFY_ATTEMPT_TIMEOUT_MS", &cfg.NotifyAttemptTimeoutMS, 1, def.NotifyAttemptTimeoutMS},
		{"EMAIL_MAX_ATTEMPTS", &cfg.EmailMaxAttempts, 1, def.EmailMaxAttempts},
		{"WEBHOOK_MAX_ATTEMPTS", &cfg.WebhookMaxAttempts, 1, def.WebhookMaxAttempts},
		{"RETRY_BASE_DELAY_MS", &cfg.RetryBaseDelayMS, 1, def.RetryBaseDelayMS},
		{"SMTP_PORT", &cfg.SMTPPort, 1, def.SMTPPort},
		{"WS_CONNECT_BURST", &cfg.WSConnectBurst, 1, def.WSConnectBurst},
		{"ESCALATION_INTERVAL_SECONDS", &cfg.EscalationIntervalSec, 1, def.EscalationIntervalSec},
		{"REMINDER_INTERVAL_SECONDS", &cfg.ReminderIntervalSec, 1, def.ReminderIntervalSec},
		{"REMINDER_STALE_HOURS", &cfg.ReminderStaleHours, 1, def.ReminderStaleHours},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 1, def.InfluxTimeoutMS},
	}
	for _, r := range rules {
		if *r.ptr >= r.min {
			continue
		}
		msg := fmt.Sprintf("%s must be >= %d", r.key, r.min)
		if r.min == 1 {
			msg = r.key + " must be > 0"
		}
		*problems = append(*problems, Problem{Field: r.key, Message: msg})
		*r.ptr = r.def
	}

	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	switch cfg.ChainMode {
	case ChainModeInProcess, ChainModeKafka:
	default:
		*problems = append(*problems, Problem{Field: "CHAIN_MODE", Message: "CHAIN_MODE must be inprocess or kafka"})
		cfg.ChainMode = def.ChainMode
	}
	if cfg.ChainMode == ChainModeKafka && len(cfg.KafkaBrokers) == 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when CHAIN_MODE=kafka"})
	}
	if cfg.WSConnectRPS <= 0 {
		*problems = append(*problems, Problem{Field: "WS_CONNECT_RPS", Message: "WS_CONNECT_RPS must be > 0"})
		cfg.WSConnectRPS = def.WSConnectRPS
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = def.OtelSampleRatio
	}
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindFloat
	kindBool
	kindList
)

type binding struct {
	key  string
	kind valueKind
	str  *string
	num  *int
	flt  *float64
	flag *bool
	list *[]string
}

func (cfg *Config) bindings() []binding {
	s := func(key string, p *string) binding { return binding{key: key, kind: kindString, str: p} }
	i := func(key string, p *int) binding { return binding{key: key, kind: kindInt, num: p} }
	f := func(key string, p *float64) binding { return binding{key: key, kind: kindFloat, flt: p} }
	b := func(key string, p *bool) binding { return binding{key: key, kind: kindBool, flag: p} }
	l := func(key string, p *[]string) binding { return binding{key: key, kind: kindList, list: p} }

	return []binding{
		s("ENV", &cfg.Env),
		s("SERVICE_NAME", &cfg.ServiceName),
		i("HTTP_PORT", &cfg.HTTPPort),
		s("LOG_LEVEL", &cfg.LogLevel),
		i("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS),
		s("OIDC_ISSUER", &cfg.OIDCIssuer),
		s("OIDC_AUDIENCE", &cfg.OIDCAudience),
		s("OIDC_JWKS_URL", &cfg.OIDCJWKSURL),
		i("JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds),
		i("JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec),
		s("DATABASE_URL", &cfg.DatabaseURL),
		i("DB_MAX_CONNS", &cfg.DBMaxConns),
		i("DB_MIN_CONNS", &cfg.DBMinConns),
		i("DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec),
		i("DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec),
		l("KAFKA_BROKERS", &cfg.KafkaBrokers),
		s("KAFKA_CLIENT_ID", &cfg.KafkaClientID),
		s("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID),
		i("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax),
		i("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS),
		s("REDIS_ADDR", &cfg.RedisAddr),
		s("REDIS_PASSWORD", &cfg.RedisPassword),
		i("REDIS_DB", &cfg.RedisDB),
		s("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr),
		s("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass),
		i("ASYNQ_REDIS_DB", &cfg.AsynqRedisDB),
		s("ASYNQ_QUEUE", &cfg.AsynqQueue),
		i("ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency),
		b("ASYNQ_ENABLED", &cfg.AsynqEnabled),
		s("CHAIN_MODE", &cfg.ChainMode),
		i("OUTBOX_POLL_INTERVAL_MS", &cfg.OutboxPollMS),
		i("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize),
		i("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts),
		i("OUTBOX_LEASE_SECONDS", &cfg.OutboxLeaseSec),
		i("OUTBOX_RESCAN_INTERVAL_SECONDS", &cfg.OutboxRescanSec),
		i("CONSUMER_MAX_ATTEMPTS", &cfg.ConsumerMaxAttempts),
		i("ASSET_LOCK_TTL_SECONDS", &cfg.AssetLockTTLSec),
		i("RUL_CACHE_TTL_SECONDS", &cfg.RULCacheTTLSec),
		i("METADATA_CACHE_TTL_SECONDS", &cfg.MetadataCacheTTLSec),
		i("NOTIFY_COOLDOWN_SECONDS", &cfg.NotifyCooldownSec),
		i("NOTIFY_ATTEMPT_TIMEOUT_MS", &cfg.NotifyAttemptTimeoutMS),
		i("EMAIL_MAX_ATTEMPTS", &cfg.EmailMaxAttempts),
		i("WEBHOOK_MAX_ATTEMPTS", &cfg.WebhookMaxAttempts),
		i("RETRY_BASE_DELAY_MS", &cfg.RetryBaseDelayMS),
		s("SMTP_HOST", &cfg.SMTPHost),
		i("SMTP_PORT", &cfg.SMTPPort),
		s("SMTP_USERNAME", &cfg.SMTPUsername),
		s("SMTP_PASSWORD", &cfg.SMTPPassword),
		s("SMTP_FROM", &cfg.SMTPFrom),
		l("WS_ALLOWED_ORIGINS", &cfg.WSAllowedOrigins),
		f("WS_CONNECT_RPS", &cfg.WSConnectRPS),
		i("WS_CONNECT_BURST", &cfg.WSConnectBurst),
		i("ESCALATION_INTERVAL_SECONDS", &cfg.EscalationIntervalSec),
		i("REMINDER_INTERVAL_SECONDS", &cfg.ReminderIntervalSec),
		i("REMINDER_STALE_HOURS", &cfg.ReminderStaleHours),
		s("INFLUX_URL", &cfg.InfluxURL),
		s("INFLUX_TOKEN", &cfg.InfluxToken),
		s("INFLUX_ORG", &cfg.InfluxOrg),
		s("INFLUX_BUCKET", &cfg.InfluxBucket),
		i("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS),
		b("OTEL_ENABLED", &cfg.OtelEnabled),
		s("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint),
		b("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure),
		f("OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio),
	}
}

func (b binding) set(v any) bool {
	switch b.kind {
	case kindString:
		s, ok := v.(string)
		if ok {
			*b.str = strings.TrimSpace(s)
		}
		return ok
	case kindInt:
		n, ok := asInt(v)
		if ok {
			*b.num = n
		}
		return ok
	case kindFloat:
		n, ok := asFloat(v)
		if ok {
			*b.flt = n
		}
		return ok
	case kindBool:
		switch t := v.(type) {
		case bool:
			*b.flag = t
			return true
		case string:
			parsed, ok := asBool(t)
			if ok {
				*b.flag = parsed
			}
			return ok
		}
		return false
	case kindList:
		switch t := v.(type) {
		case string:
			*b.list = parseCSV(t)
			return true
		case []any:
			*b.list = parseAnyCSV(t)
			return true
		}
		return false
	}
	return false
}

func (b binding) typeLabel() string {
	switch b.kind {
	case kindInt:
		return "an integer"
	case kindFloat:
		return "a number"
	case kindBool:
		return "a boolean"
	case kindList:
		return "a list"
	default:
		return "a string"
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range cfg.bindings() {
		raw := strings.TrimSpace(os.Getenv(b.key))
		if raw == "" && b.key == "HTTP_PORT" {
			raw = strings.TrimSpace(os.Getenv("PORT"))
		}
		if raw == "" {
			continue
		}
		if !b.set(raw) {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + b.typeLabel()})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	index := make(map[string]binding)
	for _, b := range cfg.bindings() {
		index[b.key] = b
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		b, ok := index[key]
		if !ok {
			continue
		}
		if !b.set(v) {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be " + b.typeLabel()})
		}
	}
}

func findRepoRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 8; i++ {
		if fi, err := os.Stat(filepath.Join(dir, "configs")); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit {
			return nil, nil, false
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
