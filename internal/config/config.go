package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	MinutesTopic   string // NSQ topic carrying delivery requests
	RelayChannel   string // NSQ channel name for relay workers
}

// ChannelTuning holds the resilience knobs for one delivery channel: the
// retry policy and the circuit breaker guarding its transport.
type ChannelTuning struct {
	MaxAttempts         int
	InitialDelay        time.Duration
	BackoffMultiplier   float64
	MaxDelay            time.Duration
	JitterRatio         float64 // 0.0-1.0
	ErrorThresholdRatio float64 // 0.0-1.0
	MinimumRequests     int
	ResetTimeout        time.Duration
	WindowSpan          time.Duration
	CallTimeout         time.Duration
}

// Validate rejects tunings that would make the breaker or backoff
// misbehave rather than silently clamping them.
func (t ChannelTuning) Validate() error {
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", t.MaxAttempts)
	}
	if t.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", t.BackoffMultiplier)
	}
	if t.JitterRatio < 0 || t.JitterRatio > 1 {
		return fmt.Errorf("jitter ratio must be within [0,1], got %g", t.JitterRatio)
	}
	if t.ErrorThresholdRatio <= 0 || t.ErrorThresholdRatio > 1 {
		return fmt.Errorf("error threshold ratio must be within (0,1], got %g", t.ErrorThresholdRatio)
	}
	if t.MinimumRequests < 1 {
		return fmt.Errorf("minimum requests must be at least 1, got %d", t.MinimumRequests)
	}
	if t.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %s", t.ResetTimeout)
	}
	if t.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", t.CallTimeout)
	}
	return nil
}

type Relay struct {
	RequestTimeout time.Duration // global bound for one delivery request
	DrainWindow    time.Duration // time granted to in-flight requests on shutdown
	Concurrency    int           // concurrent NSQ handlers
	HTTPPort       string        // relay HTTP ops port (health, metrics)
	Email          ChannelTuning
	Chat           ChannelTuning
}

type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

type Chat struct {
	WebhookURL      string
	Secret          string
	SignatureHeader string
	TimestampHeader string
}

type Intake struct {
	HTTPPort     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type FakeChat struct {
	FailFirstN           int    // requests to fail before accepting
	Secret               string // shared secret for signature verification
	SigningLeewaySeconds int
	ResponseDelayMS      int
	Port                 string
}

type Config struct {
	AppName  string
	DB       DB
	NSQ      NSQ
	Relay    Relay
	Email    Email
	Chat     Chat
	Intake   Intake
	FakeChat FakeChat
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// tuningFromEnv reads one channel's tuning under the given env prefix,
// e.g. EMAIL_MAX_ATTEMPTS, EMAIL_INITIAL_DELAY_MS.
func tuningFromEnv(prefix string, def ChannelTuning) ChannelTuning {
	ms := func(key string, d time.Duration) time.Duration {
		if v := os.Getenv(prefix + key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return time.Duration(i) * time.Millisecond
			}
		}
		return d
	}
	return ChannelTuning{
		MaxAttempts:         getenvInt(prefix+"MAX_ATTEMPTS", def.MaxAttempts),
		InitialDelay:        ms("INITIAL_DELAY_MS", def.InitialDelay),
		BackoffMultiplier:   getenvFloat(prefix+"BACKOFF_MULTIPLIER", def.BackoffMultiplier),
		MaxDelay:            ms("MAX_DELAY_MS", def.MaxDelay),
		JitterRatio:         getenvFloat(prefix+"JITTER_RATIO", def.JitterRatio),
		ErrorThresholdRatio: getenvFloat(prefix+"ERROR_THRESHOLD_RATIO", def.ErrorThresholdRatio),
		MinimumRequests:     getenvInt(prefix+"MINIMUM_REQUESTS", def.MinimumRequests),
		ResetTimeout:        ms("RESET_TIMEOUT_MS", def.ResetTimeout),
		WindowSpan:          ms("WINDOW_MS", def.WindowSpan),
		CallTimeout:         ms("CALL_TIMEOUT_MS", def.CallTimeout),
	}
}

// Channel tuning defaults. Email relays are slower and flakier than chat
// webhooks, so email gets a longer leash before its breaker trips.
var (
	defaultEmailTuning = ChannelTuning{
		MaxAttempts:         4,
		InitialDelay:        time.Second,
		BackoffMultiplier:   2.0,
		MaxDelay:            30 * time.Second,
		JitterRatio:         0.25,
		ErrorThresholdRatio: 0.5,
		MinimumRequests:     5,
		ResetTimeout:        60 * time.Second,
		WindowSpan:          60 * time.Second,
		CallTimeout:         15 * time.Second,
	}
	defaultChatTuning = ChannelTuning{
		MaxAttempts:         3,
		InitialDelay:        500 * time.Millisecond,
		BackoffMultiplier:   2.0,
		MaxDelay:            10 * time.Second,
		JitterRatio:         0.25,
		ErrorThresholdRatio: 0.5,
		MinimumRequests:     5,
		ResetTimeout:        30 * time.Second,
		WindowSpan:          60 * time.Second,
		CallTimeout:         5 * time.Second,
	}
)

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "minuterelay"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "minuterelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			MinutesTopic:   getenv("NSQ_MINUTES_TOPIC", "minutes"),
			RelayChannel:   getenv("NSQ_RELAY_CHANNEL", "relay"),
		},
		Relay: Relay{
			RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 2*time.Minute),
			DrainWindow:    getenvDuration("DRAIN_WINDOW", 30*time.Second),
			Concurrency:    getenvInt("RELAY_CONCURRENCY", 4),
			HTTPPort:       ":" + getenv("RELAY_HTTP_PORT", "8083"),
			Email:          tuningFromEnv("EMAIL_", defaultEmailTuning),
			Chat:           tuningFromEnv("CHAT_", defaultChatTuning),
		},
		Email: Email{
			Host:     getenv("SMTP_HOST", ""),
			Port:     getenvInt("SMTP_PORT", 587),
			Username: getenv("SMTP_USERNAME", ""),
			Password: getenv("SMTP_PASSWORD", ""),
			From:     getenv("SMTP_FROM", "minutes@example.com"),
			Timeout:  getenvDuration("SMTP_TIMEOUT", 15*time.Second),
		},
		Chat: Chat{
			WebhookURL:      getenv("CHAT_WEBHOOK_URL", ""),
			Secret:          getenv("CHAT_WEBHOOK_SECRET", ""),
			SignatureHeader: getenv("CHAT_SIGNATURE_HEADER", "X-MinuteRelay-Signature"),
			TimestampHeader: getenv("CHAT_TIMESTAMP_HEADER", "X-MinuteRelay-Timestamp"),
		},
		Intake: Intake{
			HTTPPort:     getenv("INTAKE_HTTP_PORT", ":8080"),
			ReadTimeout:  getenvDuration("INTAKE_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getenvDuration("INTAKE_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getenvDuration("INTAKE_IDLE_TIMEOUT", 60*time.Second),
		},
		FakeChat: FakeChat{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			Secret:               getenv("CHAT_WEBHOOK_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_CHAT_PORT", ":8081"),
		},
	}
}

// Validate checks the parts of the config the relay cannot run without.
func (c Config) Validate() error {
	if err := c.Relay.Email.Validate(); err != nil {
		return fmt.Errorf("email tuning: %w", err)
	}
	if err := c.Relay.Chat.Validate(); err != nil {
		return fmt.Errorf("chat tuning: %w", err)
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.Relay.RequestTimeout)
	}
	if c.Relay.DrainWindow < 0 {
		return fmt.Errorf("drain window must not be negative, got %s", c.Relay.DrainWindow)
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
