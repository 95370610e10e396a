package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort                = "8080"
	DefaultLogLevel            = "info"
	DefaultMongoDB             = "meetstream"
	DefaultTranscriptStore     = "postgres"
	DefaultRedisAddr           = "redis://localhost:6379/0"
	DefaultRateLimitBackend    = "memory"
	DefaultRateLimitWindow     = 10 * time.Second
	DefaultRateLimitAttempts   = 5
	DefaultMaxSubscribers      = 20
	DefaultMaxBroadcastBytes   = 64000
	DefaultMaxIngestFrameBytes = 32768
	DefaultSampleRate          = 16000
	DefaultChannels            = 1
	DefaultHandshakeTimeout    = 6 * time.Second
	DefaultIdleTimeout         = 2 * time.Minute
	DefaultKeepAlive           = 30 * time.Second
	DefaultFinalizeGrace       = time.Second
	DefaultFinalizeTimeout     = 5 * time.Second
	DefaultASRReadTimeout      = 30 * time.Second
	DefaultASRProvider         = "deepgram"
	DefaultASRLanguage         = "en"
	DefaultDeepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	DefaultYandexEndpoint      = "stt.api.cloud.yandex.net:443"
	DefaultJWTAudience         = "meetings"
	DefaultJWTIssuer           = "our-app"
	DefaultVertexLocation      = "us-central1"
	DefaultVertexModel         = "gemini-1.5-flash"
	DefaultTipWorkers          = 2

	// ConfigFileEnv points at an optional TOML file applied before env overrides.
	ConfigFileEnv = "MEETSTREAM_CONFIG"
)

// Settings is the fully resolved process configuration.
type Settings struct {
	Port     string
	LogLevel string

	// AllowedOrigins lists the browser origins allowed to open websockets.
	// Empty or "*" allows any origin.
	AllowedOrigins []string

	PostgresURI     string
	MongoURI        string
	MongoDB         string
	TranscriptStore string // postgres | mongo
	AutoMigrate     bool

	RedisAddr     string
	RedisRequired bool

	RateLimitBackend     string // memory | redis
	RateLimitWindow      time.Duration
	RateLimitMaxAttempts int

	MaxSubscribersPerMeeting int
	MaxBroadcastBytes        int
	MaxIngestFrameBytes      int
	IngestSampleRate         int
	IngestChannels           int
	HandshakeTimeout         time.Duration
	IngestIdleTimeout        time.Duration
	KeepAliveInterval        time.Duration
	FinalizeGrace            time.Duration
	FinalizeTimeout          time.Duration

	ASRProvider           string // deepgram | google | yandex
	ASRModel              string // empty selects the provider default
	ASRLanguage           string
	ASRReadTimeout        time.Duration
	DeepgramAPIKey        string
	DeepgramEndpoint      string
	GoogleCredentialsFile string
	YandexAPIKey          string
	YandexIAMToken        string
	YandexFolderID        string
	YandexEndpoint        string

	JWTSecret        string
	JWTPublicKeyPath string
	JWTAudience      string
	JWTIssuer        string

	TipsEnabled    bool
	VertexProject  string
	VertexLocation string
	VertexModel    string
	TipWorkers     int
}

// Defaults returns settings with every default applied.
func Defaults() Settings {
	return Settings{
		Port:                     DefaultPort,
		LogLevel:                 DefaultLogLevel,
		MongoDB:                  DefaultMongoDB,
		TranscriptStore:          DefaultTranscriptStore,
		RedisAddr:                DefaultRedisAddr,
		RedisRequired:            true,
		RateLimitBackend:         DefaultRateLimitBackend,
		RateLimitWindow:          DefaultRateLimitWindow,
		RateLimitMaxAttempts:     DefaultRateLimitAttempts,
		MaxSubscribersPerMeeting: DefaultMaxSubscribers,
		MaxBroadcastBytes:        DefaultMaxBroadcastBytes,
		MaxIngestFrameBytes:      DefaultMaxIngestFrameBytes,
		IngestSampleRate:         DefaultSampleRate,
		IngestChannels:           DefaultChannels,
		HandshakeTimeout:         DefaultHandshakeTimeout,
		IngestIdleTimeout:        DefaultIdleTimeout,
		KeepAliveInterval:        DefaultKeepAlive,
		FinalizeGrace:            DefaultFinalizeGrace,
		FinalizeTimeout:          DefaultFinalizeTimeout,
		ASRProvider:              DefaultASRProvider,
		ASRLanguage:              DefaultASRLanguage,
		ASRReadTimeout:           DefaultASRReadTimeout,
		DeepgramEndpoint:         DefaultDeepgramEndpoint,
		YandexEndpoint:           DefaultYandexEndpoint,
		JWTAudience:              DefaultJWTAudience,
		JWTIssuer:                DefaultJWTIssuer,
		VertexLocation:           DefaultVertexLocation,
		VertexModel:              DefaultVertexModel,
		TipWorkers:               DefaultTipWorkers,
	}
}

// Loader resolves Settings from defaults, an optional TOML file and the
// environment. Zero-value fields fall back to the process environment.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

type fileConfig struct {
	Port           string   `toml:"port"`
	LogLevel       string   `toml:"log_level"`
	AllowedOrigins []string `toml:"allowed_origins"`

	Postgres struct {
		URI         string `toml:"uri"`
		AutoMigrate *bool  `toml:"auto_migrate"`
	} `toml:"postgres"`

	Mongo struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	} `toml:"mongo"`

	TranscriptStore string `toml:"transcript_store"`

	Redis struct {
		Addr     string `toml:"addr"`
		Required *bool  `toml:"required"`
	} `toml:"redis"`

	RateLimit struct {
		Backend     string `toml:"backend"`
		Window      string `toml:"window"`
		MaxAttempts int    `toml:"max_attempts"`
	} `toml:"rate_limit"`

	Ingest struct {
		MaxFrameBytes    int    `toml:"max_frame_bytes"`
		SampleRate       int    `toml:"sample_rate"`
		Channels         int    `toml:"channels"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		IdleTimeout      string `toml:"idle_timeout"`
		FinalizeGrace    string `toml:"finalize_grace"`
		FinalizeTimeout  string `toml:"finalize_timeout"`
	} `toml:"ingest"`

	Fanout struct {
		MaxSubscribers    int    `toml:"max_subscribers"`
		MaxBroadcastBytes int    `toml:"max_broadcast_bytes"`
		KeepAlive         string `toml:"keepalive"`
	} `toml:"fanout"`

	ASR struct {
		Provider              string `toml:"provider"`
		Model                 string `toml:"model"`
		Language              string `toml:"language"`
		ReadTimeout           string `toml:"read_timeout"`
		DeepgramAPIKey        string `toml:"deepgram_api_key"`
		DeepgramEndpoint      string `toml:"deepgram_endpoint"`
		GoogleCredentialsFile string `toml:"google_credentials_file"`
		YandexAPIKey          string `toml:"yandex_api_key"`
		YandexIAMToken        string `toml:"yandex_iam_token"`
		YandexFolderID        string `toml:"yandex_folder_id"`
		YandexEndpoint        string `toml:"yandex_endpoint"`
	} `toml:"asr"`

	JWT struct {
		Secret        string `toml:"secret"`
		PublicKeyPath string `toml:"public_key_path"`
		Audience      string `toml:"audience"`
		Issuer        string `toml:"issuer"`
	} `toml:"jwt"`

	Tips struct {
		Enabled  *bool  `toml:"enabled"`
		Project  string `toml:"vertex_project"`
		Location string `toml:"vertex_location"`
		Model    string `toml:"vertex_model"`
		Workers  int    `toml:"workers"`
	} `toml:"tips"`
}

// Load resolves the settings and validates them.
func (l Loader) Load() (Settings, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	readFile := l.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	cfg := Defaults()

	if path, ok := lookup(ConfigFileEnv); ok && strings.TrimSpace(path) != "" {
		raw, err := readFile(strings.TrimSpace(path))
		if err != nil {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if _, err := toml.Decode(string(raw), &fc); err != nil {
			return Settings{}, fmt.Errorf("decode config file: %w", err)
		}
		if err := applyFile(&cfg, fc); err != nil {
			return Settings{}, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Settings{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Load resolves settings from the process environment.
func Load() (Settings, error) {
	return Loader{}.Load()
}

func applyFile(cfg *Settings, fc fileConfig) error {
	setString(&cfg.Port, fc.Port)
	setString(&cfg.LogLevel, fc.LogLevel)
	if origins := splitList(strings.Join(fc.AllowedOrigins, ",")); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	setString(&cfg.PostgresURI, fc.Postgres.URI)
	setBool(&cfg.AutoMigrate, fc.Postgres.AutoMigrate)
	setString(&cfg.MongoURI, fc.Mongo.URI)
	setString(&cfg.MongoDB, fc.Mongo.Database)
	setString(&cfg.TranscriptStore, fc.TranscriptStore)
	setString(&cfg.RedisAddr, fc.Redis.Addr)
	setBool(&cfg.RedisRequired, fc.Redis.Required)
	setString(&cfg.RateLimitBackend, fc.RateLimit.Backend)
	setInt(&cfg.RateLimitMaxAttempts, fc.RateLimit.MaxAttempts)
	setInt(&cfg.MaxIngestFrameBytes, fc.Ingest.MaxFrameBytes)
	setInt(&cfg.IngestSampleRate, fc.Ingest.SampleRate)
	setInt(&cfg.IngestChannels, fc.Ingest.Channels)
	setInt(&cfg.MaxSubscribersPerMeeting, fc.Fanout.MaxSubscribers)
	setInt(&cfg.MaxBroadcastBytes, fc.Fanout.MaxBroadcastBytes)
	setString(&cfg.ASRProvider, fc.ASR.Provider)
	setString(&cfg.ASRModel, fc.ASR.Model)
	setString(&cfg.ASRLanguage, fc.ASR.Language)
	setString(&cfg.DeepgramAPIKey, fc.ASR.DeepgramAPIKey)
	setString(&cfg.DeepgramEndpoint, fc.ASR.DeepgramEndpoint)
	setString(&cfg.GoogleCredentialsFile, fc.ASR.GoogleCredentialsFile)
	setString(&cfg.YandexAPIKey, fc.ASR.YandexAPIKey)
	setString(&cfg.YandexIAMToken, fc.ASR.YandexIAMToken)
	setString(&cfg.YandexFolderID, fc.ASR.YandexFolderID)
	setString(&cfg.YandexEndpoint, fc.ASR.YandexEndpoint)
	setString(&cfg.JWTSecret, fc.JWT.Secret)
	setString(&cfg.JWTPublicKeyPath, fc.JWT.PublicKeyPath)
	setString(&cfg.JWTAudience, fc.JWT.Audience)
	setString(&cfg.JWTIssuer, fc.JWT.Issuer)
	setBool(&cfg.TipsEnabled, fc.Tips.Enabled)
	setString(&cfg.VertexProject, fc.Tips.Project)
	setString(&cfg.VertexLocation, fc.Tips.Location)
	setString(&cfg.VertexModel, fc.Tips.Model)
	setInt(&cfg.TipWorkers, fc.Tips.Workers)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"rate_limit.window", fc.RateLimit.Window, &cfg.RateLimitWindow},
		{"ingest.handshake_timeout", fc.Ingest.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"ingest.idle_timeout", fc.Ingest.IdleTimeout, &cfg.IngestIdleTimeout},
		{"ingest.finalize_grace", fc.Ingest.FinalizeGrace, &cfg.FinalizeGrace},
		{"ingest.finalize_timeout", fc.Ingest.FinalizeTimeout, &cfg.FinalizeTimeout},
		{"fanout.keepalive", fc.Fanout.KeepAlive, &cfg.KeepAliveInterval},
		{"asr.read_timeout", fc.ASR.ReadTimeout, &cfg.ASRReadTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Settings, lookup func(string) (string, bool)) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	strs := []struct {
		dst  *string
		keys []string
	}{
		{&cfg.Port, []string{"PORT"}},
		{&cfg.LogLevel, []string{"LOG_LEVEL"}},
		{&cfg.PostgresURI, []string{"POSTGRES_URI", "DATABASE_URL"}},
		{&cfg.MongoURI, []string{"MONGO_URI"}},
		{&cfg.MongoDB, []string{"MONGO_DB"}},
		{&cfg.TranscriptStore, []string{"TRANSCRIPT_STORE"}},
		{&cfg.RedisAddr, []string{"REDIS_ADDR", "REDIS_URI", "REDIS_URL"}},
		{&cfg.RateLimitBackend, []string{"RATE_LIMIT_BACKEND"}},
		{&cfg.ASRProvider, []string{"ASR_PROVIDER"}},
		{&cfg.ASRModel, []string{"ASR_MODEL", "DEEPGRAM_MODEL"}},
		{&cfg.ASRLanguage, []string{"ASR_LANGUAGE", "DEEPGRAM_LANGUAGE"}},
		{&cfg.DeepgramAPIKey, []string{"DEEPGRAM_API_KEY"}},
		{&cfg.DeepgramEndpoint, []string{"DEEPGRAM_ENDPOINT"}},
		{&cfg.GoogleCredentialsFile, []string{"GOOGLE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS"}},
		{&cfg.YandexAPIKey, []string{"YANDEX_API_KEY"}},
		{&cfg.YandexIAMToken, []string{"YANDEX_IAM_TOKEN"}},
		{&cfg.YandexFolderID, []string{"YANDEX_FOLDER_ID"}},
		{&cfg.YandexEndpoint, []string{"YANDEX_ENDPOINT"}},
		{&cfg.JWTSecret, []string{"JWT_SECRET"}},
		{&cfg.JWTPublicKeyPath, []string{"JWT_PUBLIC_KEY_PATH"}},
		{&cfg.JWTAudience, []string{"JWT_AUDIENCE"}},
		{&cfg.JWTIssuer, []string{"JWT_ISSUER"}},
		{&cfg.VertexProject, []string{"VERTEX_PROJECT", "GOOGLE_CLOUD_PROJECT"}},
		{&cfg.VertexLocation, []string{"VERTEX_LOCATION"}},
		{&cfg.VertexModel, []string{"VERTEX_MODEL"}},
	}
	for _, s := range strs {
		if v, ok := get(s.keys...); ok {
			*s.dst = v
		}
	}
	if v, ok := get("ALLOWED_ORIGINS", "CORS_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.RateLimitMaxAttempts, "RATE_LIMIT_MAX_ATTEMPTS"},
		{&cfg.MaxSubscribersPerMeeting, "MAX_WS_CLIENTS_PER_MEETING"},
		{&cfg.MaxBroadcastBytes, "MAX_BROADCAST_BYTES"},
		{&cfg.MaxIngestFrameBytes, "MAX_INGEST_MSG_BYTES"},
		{&cfg.IngestSampleRate, "INGEST_SAMPLE_RATE"},
		{&cfg.IngestChannels, "INGEST_CHANNELS"},
		{&cfg.TipWorkers, "TIP_WORKERS"},
	}
	for _, i := range ints {
		v, ok := get(i.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", i.key, v)
		}
		*i.dst = n
	}

	bools := []struct {
		dst *bool
		key string
	}{
		{&cfg.AutoMigrate, "AUTO_MIGRATE"},
		{&cfg.RedisRequired, "REDIS_REQUIRED"},
		{&cfg.TipsEnabled, "TIPS_ENABLED"},
	}
	for _, b := range bools {
		v, ok := get(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", b.key, v)
		}
		*b.dst = parsed
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW"},
		{&cfg.HandshakeTimeout, "HANDSHAKE_TIMEOUT"},
		{&cfg.IngestIdleTimeout, "INGEST_IDLE_TIMEOUT"},
		{&cfg.KeepAliveInterval, "WS_KEEPALIVE"},
		{&cfg.FinalizeGrace, "FINALIZE_GRACE"},
		{&cfg.FinalizeTimeout, "FINALIZE_TIMEOUT"},
		{&cfg.ASRReadTimeout, "ASR_READ_TIMEOUT"},
	}
	for _, d := range durations {
		v, ok := get(d.key)
		if !ok {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// parseDuration accepts Go durations ("10s") and bare seconds ("10").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// Validate rejects settings the server cannot start with.
func (s Settings) Validate() error {
	var errs []error

	switch s.TranscriptStore {
	case "postgres", "mongo":
	default:
		errs = append(errs, fmt.Errorf("transcript store must be postgres or mongo, got %q", s.TranscriptStore))
	}
	switch s.RateLimitBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("rate limit backend must be memory or redis, got %q", s.RateLimitBackend))
	}
	switch s.ASRProvider {
	case "deepgram", "google", "yandex":
	default:
		errs = append(errs, fmt.Errorf("asr provider must be deepgram, google or yandex, got %q", s.ASRProvider))
	}

	positives := []struct {
		name string
		v    int
	}{
		{"rate limit max attempts", s.RateLimitMaxAttempts},
		{"max subscribers per meeting", s.MaxSubscribersPerMeeting},
		{"max broadcast bytes", s.MaxBroadcastBytes},
		{"max ingest frame bytes", s.MaxIngestFrameBytes},
		{"ingest sample rate", s.IngestSampleRate},
		{"ingest channels", s.IngestChannels},
	}
	for _, p := range positives {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.v))
		}
	}
	if s.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if s.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake timeout must be positive"))
	}
	if s.FinalizeGrace < 0 || s.FinalizeTimeout < s.FinalizeGrace {
		errs = append(errs, errors.New("finalize timeout must be at least the finalize grace"))
	}
	if s.TipsEnabled && s.VertexProject == "" {
		errs = append(errs, errors.New("tips enabled but VERTEX_PROJECT is not set"))
	}
	return errors.Join(errs...)
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
