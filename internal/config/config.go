package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/appforge/appforge-gateway/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for the streaming gateway daemon.
type GatewayConfig struct {
	Environment string
	HTTPAddr    string
	HTTPPort    int

	// Backward-compatible base log file; used if the daemon file is unset
	LogFile       string
	LogFileDaemon string
	LogLevel      string

	// Storage
	LedgerPath string
	// LedgerDSN switches the ledger to PostgreSQL when set
	LedgerDSN              string
	LedgerMaxOpenConns     int
	LedgerMaxIdleConns     int
	LedgerConnLifetimeMins int
	LedgerConnIdleMins     int
	LedgerAsync            bool
	AuditPath              string
	TenantPath             string

	// Auth
	AuthSecret   string
	AuthDisabled bool

	// Engine
	EngineName    string
	EngineTimeout time.Duration

	// Quota
	QuotaEnabled       bool
	QuotaWindow        time.Duration
	QuotaRequests      int64
	QuotaTokens        int64
	QuotaOverridesFile string

	// Websocket
	WSReadLimit int64

	Hooks hooks.Config
}

// LoadGatewayConfig reads the current environment and loads the appropriate
// gateway config file, applying APPFORGE_* env overrides on top.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return GatewayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := GatewayConfig{
		Environment:  s.Environment,
		HTTPAddr:     firstNonEmpty(os.Getenv("APPFORGE_HTTP_ADDR"), merged["http_addr"], "0.0.0.0"),
		HTTPPort:     parseOptionalInt(firstNonEmpty(os.Getenv("APPFORGE_HTTP_PORT"), merged["http_port"]), 8090),
		LogFile:      firstNonEmpty(os.Getenv("APPFORGE_LOG_FILE"), merged["log_file"]),
		LogLevel:     firstNonEmpty(os.Getenv("APPFORGE_LOG_LEVEL"), merged["log_level"], "info"),
		LedgerPath:   firstNonEmpty(os.Getenv("APPFORGE_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:    firstNonEmpty(os.Getenv("APPFORGE_LEDGER_DSN"), merged["ledger_dsn"]),
		AuditPath:    firstNonEmpty(os.Getenv("APPFORGE_AUDIT_PATH"), merged["audit_path"], DefaultAuditPath()),
		TenantPath:   firstNonEmpty(os.Getenv("APPFORGE_TENANT_PATH"), merged["tenant_path"], DefaultTenantPath()),
		AuthSecret:   firstNonEmpty(os.Getenv("APPFORGE_AUTH_SECRET"), merged["auth_secret"], "appforge-dev-secret"),
		AuthDisabled: parseOptionalBool(firstNonEmpty(os.Getenv("APPFORGE_AUTH_DISABLED"), merged["auth_disabled"]), true),
		EngineName:   firstNonEmpty(os.Getenv("APPFORGE_ENGINE"), merged["engine"], "loopback"),
	}
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("APPFORGE_LOG_FILE_DAEMON"), os.Getenv("APPFORGE_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.LedgerMaxOpenConns = parseOptionalInt(firstNonEmpty(os.Getenv("APPFORGE_LEDGER_MAX_OPEN_CONNS"), merged["ledger_max_open_conns"]), 20)
	cfg.LedgerMaxIdleConns = parseOptionalInt(firstNonEmpty(os.Getenv("APPFORGE_LEDGER_MAX_IDLE_CONNS"), merged["ledger_max_idle_conns"]), 5)
	cfg.LedgerConnLifetimeMins = parseOptionalInt(merged["ledger_conn_lifetime_minutes"], 60)
	cfg.LedgerConnIdleMins = parseOptionalInt(merged["ledger_conn_idle_minutes"], 10)
	cfg.LedgerAsync = parseOptionalBool(firstNonEmpty(os.Getenv("APPFORGE_LEDGER_ASYNC"), merged["ledger_async"]), false)

	if cfg.EngineTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("APPFORGE_ENGINE_TIMEOUT"), merged["engine_timeout"]), 10*time.Minute); err != nil {
		return GatewayConfig{}, fmt.Errorf("invalid engine_timeout: %w", err)
	}

	cfg.QuotaEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("APPFORGE_QUOTA_ENABLED"), merged["quota_enabled"]), false)
	if cfg.QuotaWindow, err = parseOptionalDuration(firstNonEmpty(os.Getenv("APPFORGE_QUOTA_WINDOW"), merged["quota_window"]), time.Hour); err != nil {
		return GatewayConfig{}, fmt.Errorf("invalid quota_window: %w", err)
	}
	cfg.QuotaRequests = int64(parseOptionalInt(firstNonEmpty(os.Getenv("APPFORGE_QUOTA_REQUESTS"), merged["quota_requests"]), 0))
	cfg.QuotaTokens = int64(parseOptionalInt(firstNonEmpty(os.Getenv("APPFORGE_QUOTA_TOKENS"), merged["quota_tokens"]), 0))
	cfg.QuotaOverridesFile = firstNonEmpty(os.Getenv("APPFORGE_QUOTA_OVERRIDES_FILE"), merged["quota_overrides_file"])

	cfg.WSReadLimit = int64(parseOptionalInt(firstNonEmpty(os.Getenv("APPFORGE_WS_READ_LIMIT"), merged["ws_read_limit"]), 1<<20))

	hookArgs := firstNonEmpty(os.Getenv("APPFORGE_HOOK_SCRIPT_ARGS"), merged["hooks_script_args"])
	hookEnv := firstNonEmpty(os.Getenv("APPFORGE_HOOK_SCRIPT_ENV"), merged["hooks_script_env"])
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("APPFORGE_HOOKS_ENABLED"), merged["hooks_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("APPFORGE_HOOK_SCRIPT"), merged["hooks_script_path"]),
		ScriptArgs: parseCSV(hookArgs),
		Env:        parseMap(hookEnv),
	}
	if v := firstNonEmpty(os.Getenv("APPFORGE_HOOK_TIMEOUT"), merged["hooks_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return GatewayConfig{}, err
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultLedgerPath returns the fallback ledger location under the user's
// home directory.
func DefaultLedgerPath() string {
	return defaultDataPath("ledger.db")
}

// DefaultAuditPath returns the fallback audit log location.
func DefaultAuditPath() string {
	return defaultDataPath("audit.db")
}

// DefaultTenantPath returns the fallback tenant database location.
func DefaultTenantPath() string {
	return defaultDataPath("tenant.db")
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".appforge", name)
}
