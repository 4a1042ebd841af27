// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from environment variables (with an
// optional .env file) and an optional YAML file declaring the monitored
// mail folders.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FolderConfig declares one monitored mail folder. Code is one of the
// well-known folder codes (INBOX, DRAFTS, SENT, DELETED, JUNK); GraphFolderID
// is an opaque provider folder id and takes precedence when set.
type FolderConfig struct {
	Code          string `yaml:"code"`
	GraphFolderID string `yaml:"graph_folder_id"`
}

// Config holds all configuration for the mail worker.
type Config struct {
	// Operational
	Env              string
	LogLevel         string
	Host             string
	Port             int
	WorkerInstanceID string
	PublicBaseURL    string

	// Database
	DBHost        string
	DBPort        int
	DBName        string
	DBUser        string
	DBPassword    string
	DBPoolSize    int
	DBMaxOverflow int

	// Redis
	RedisURL    string
	EventsQueue string

	// Attachment store
	AttachmentsDir  string
	MaxAttachmentMB int
	AllowedExt      string
	BlockedExt      string

	// Graph auth
	GraphTenantID       string
	GraphClientID       string
	GraphClientSecret   string
	GraphCertKeyPath    string
	GraphCertThumbprint string

	// Webhook shared secret
	GraphClientState string

	// Monitored mailbox
	MailboxEmail string

	// Subscriptions
	SubscriptionChangeType      string
	SubscriptionResource        string
	SubscriptionLifetimeMinutes int
	SubRenewThresholdMinutes    int

	// Delta poller
	DeltaPageSize       int
	DeltaMaxPagesPerRun int
	DeltaMaxMessages    int
	DeltaConcurrency    int

	// Background loops
	SubLoopEnabled    bool
	SubLoopInterval   time.Duration
	SubLoopJitter     time.Duration
	DeltaLoopEnabled  bool
	DeltaLoopInterval time.Duration
	DeltaLoopJitter   time.Duration

	// Admin endpoints
	AdminAPIKey string

	// Case numbering
	CaseNumberPrefix string

	// Monitored folders (from CONFIG_PATH YAML; defaults to INBOX)
	Folders []FolderConfig
}

// maxSubscriptionMinutes is the Graph-side ceiling for mail subscriptions.
const maxSubscriptionMinutes = 10080

// Load reads configuration from the environment. A .env file in the working
// directory is honoured when present. CONFIG_PATH may point at a YAML file
// declaring the monitored folders (env vars are expanded inside).
func Load() (*Config, error) {
	// Missing .env is fine — settings may come from the environment proper.
	_ = godotenv.Load()

	cfg := &Config{
		Env:              envOrDefault("ENV", "dev"),
		LogLevel:         envOrDefault("LOG_LEVEL", "INFO"),
		Host:             envOrDefault("HOST", "127.0.0.1"),
		Port:             envOrDefaultInt("PORT", 8001),
		WorkerInstanceID: envOrDefault("WORKER_INSTANCE_ID", "worker-01"),
		PublicBaseURL:    strings.TrimRight(envOrDefault("PUBLIC_BASE_URL", ""), "/"),

		DBHost:        envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:        envOrDefaultInt("DB_PORT", 5432),
		DBName:        envOrDefault("DB_NAME", "icbf_mail"),
		DBUser:        envOrDefault("DB_USER", "postgres"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBPoolSize:    envOrDefaultInt("DB_POOL_SIZE", 10),
		DBMaxOverflow: envOrDefaultInt("DB_MAX_OVERFLOW", 20),

		RedisURL:    envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		EventsQueue: envOrDefault("EVENTS_QUEUE", "case-events"),

		AttachmentsDir:  envOrDefault("ATTACHMENTS_DIR", "/var/lib/icbf-mail/attachments"),
		MaxAttachmentMB: envOrDefaultInt("MAX_ATTACHMENT_SIZE_MB", 25),
		AllowedExt:      envOrDefault("ALLOWED_ATTACHMENT_EXT", "pdf,doc,docx,xls,xlsx,png,jpg,jpeg,txt,zip"),
		BlockedExt:      envOrDefault("BLOCKED_ATTACHMENT_EXT", "exe,bat,cmd,js,vbs,msi,ps1,jar,com,scr,lnk"),

		GraphTenantID:       os.Getenv("GRAPH_TENANT_ID"),
		GraphClientID:       os.Getenv("GRAPH_CLIENT_ID"),
		GraphClientSecret:   os.Getenv("GRAPH_CLIENT_SECRET"),
		GraphCertKeyPath:    os.Getenv("GRAPH_CERT_PRIVATE_KEY_PATH"),
		GraphCertThumbprint: os.Getenv("GRAPH_CERT_THUMBPRINT"),

		GraphClientState: os.Getenv("GRAPH_CLIENT_STATE"),
		MailboxEmail:     os.Getenv("MAILBOX_EMAIL"),

		SubscriptionChangeType:      envOrDefault("SUBSCRIPTION_CHANGE_TYPE", "created"),
		SubscriptionResource:        envOrDefault("SUBSCRIPTION_RESOURCE", "users/{MAILBOX_EMAIL}/mailFolders('Inbox')/messages"),
		SubscriptionLifetimeMinutes: envOrDefaultInt("SUBSCRIPTION_LIFETIME_MINUTES", 10070),
		SubRenewThresholdMinutes:    envOrDefaultInt("SUB_RENEW_THRESHOLD_MINUTES", 1440),

		DeltaPageSize:       envOrDefaultInt("DELTA_PAGE_SIZE", 50),
		DeltaMaxPagesPerRun: envOrDefaultInt("DELTA_MAX_PAGES_PER_RUN", 25),
		DeltaMaxMessages:    envOrDefaultInt("DELTA_MAX_MESSAGES", 500),
		DeltaConcurrency:    envOrDefaultInt("DELTA_CONCURRENCY", 3),

		SubLoopEnabled:    envOrDefaultBool("SUB_LOOP_ENABLED", true),
		SubLoopInterval:   time.Duration(envOrDefaultInt("SUB_LOOP_INTERVAL_SECONDS", 120)) * time.Second,
		SubLoopJitter:     time.Duration(envOrDefaultInt("SUB_LOOP_JITTER_SECONDS", 15)) * time.Second,
		DeltaLoopEnabled:  envOrDefaultBool("DELTA_LOOP_ENABLED", true),
		DeltaLoopInterval: time.Duration(envOrDefaultInt("DELTA_LOOP_INTERVAL_SECONDS", 300)) * time.Second,
		DeltaLoopJitter:   time.Duration(envOrDefaultInt("DELTA_LOOP_JITTER_SECONDS", 20)) * time.Second,

		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),
		CaseNumberPrefix: envOrDefault("CASE_NUMBER_PREFIX", "ICBF"),
	}

	// Graph caps mail subscription lifetimes server-side.
	if cfg.SubscriptionLifetimeMinutes > maxSubscriptionMinutes {
		cfg.SubscriptionLifetimeMinutes = maxSubscriptionMinutes
	}

	if err := loadFolders(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings whose absence is a fatal configuration error.
// Called once at startup.
func (c *Config) Validate() error {
	if c.MailboxEmail == "" {
		return fmt.Errorf("MAILBOX_EMAIL is required")
	}
	if c.GraphTenantID == "" || c.GraphClientID == "" {
		return fmt.Errorf("GRAPH_TENANT_ID and GRAPH_CLIENT_ID are required")
	}
	if !c.CertAuth() && c.GraphClientSecret == "" {
		return fmt.Errorf("GRAPH_CLIENT_SECRET is required (or provide GRAPH_CERT_PRIVATE_KEY_PATH + GRAPH_CERT_THUMBPRINT)")
	}
	return nil
}

// CertAuth reports whether certificate credentials are configured.
// Certificate auth is preferred over the shared secret when both are present.
func (c *Config) CertAuth() bool {
	return c.GraphCertKeyPath != "" && c.GraphCertThumbprint != ""
}

// DatabaseURL composes the Postgres connection URL. The password is
// URL-encoded; the pool is sized to pool_size + max_overflow.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("pool_max_conns", strconv.Itoa(c.DBPoolSize+c.DBMaxOverflow))
	u.RawQuery = q.Encode()
	return u.String()
}

// NotificationURL derives the webhook endpoint Graph will call. The public
// base URL must be HTTPS — Graph refuses plain-HTTP notification targets.
func (c *Config) NotificationURL() (string, error) {
	if c.PublicBaseURL == "" {
		return "", fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !strings.HasPrefix(strings.ToLower(c.PublicBaseURL), "https://") {
		return "", fmt.Errorf("PUBLIC_BASE_URL must be HTTPS")
	}
	return c.PublicBaseURL + "/graph/webhook", nil
}

// ResolveResource substitutes {MAILBOX_EMAIL} in the subscription resource
// template.
func (c *Config) ResolveResource() string {
	return strings.ReplaceAll(c.SubscriptionResource, "{MAILBOX_EMAIL}", c.MailboxEmail)
}

// AllowedExtSet returns the lowercase, dotless allowlist. Empty means no
// allowlist is configured.
func (c *Config) AllowedExtSet() map[string]bool {
	return extSet(c.AllowedExt)
}

// BlockedExtSet returns the lowercase, dotless blocklist.
func (c *Config) BlockedExtSet() map[string]bool {
	return extSet(c.BlockedExt)
}

// MaxAttachmentBytes returns the attachment size ceiling in bytes.
func (c *Config) MaxAttachmentBytes() int64 {
	return int64(c.MaxAttachmentMB) * 1024 * 1024
}

// rawFolderFile mirrors the YAML structure for unmarshalling.
type rawFolderFile struct {
	Folders []FolderConfig `yaml:"folders"`
}

// loadFolders reads the monitored-folder list from CONFIG_PATH (with env var
// expansion, like the rest of the config). Absent file means INBOX only.
func loadFolders(cfg *Config) error {
	cfg.Folders = []FolderConfig{{Code: "INBOX"}}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var raw rawFolderFile
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}

	var folders []FolderConfig
	for _, f := range raw.Folders {
		code := strings.ToUpper(strings.TrimSpace(f.Code))
		if code == "" && f.GraphFolderID == "" {
			continue
		}
		folders = append(folders, FolderConfig{Code: code, GraphFolderID: f.GraphFolderID})
	}
	if len(folders) > 0 {
		cfg.Folders = folders
	}
	return nil
}

func extSet(csv string) map[string]bool {
	set := make(map[string]bool)
	for _, e := range strings.Split(csv, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, ".")
		if e != "" {
			set[e] = true
		}
	}
	return set
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return fallback
}
