package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("API_BASE_URL", "https://api.example.test/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.APIBaseURL != "https://api.example.test" {
		t.Errorf("APIBaseURL = %q, want trailing slash trimmed", cfg.APIBaseURL)
	}
	if cfg.AuthLoginPath != "/auth/login" {
		t.Errorf("AuthLoginPath = %q, want %q", cfg.AuthLoginPath, "/auth/login")
	}
	if cfg.AuthRefreshPath != "/auth/refresh" {
		t.Errorf("AuthRefreshPath = %q, want %q", cfg.AuthRefreshPath, "/auth/refresh")
	}
	if cfg.StorageDriver != StorageSQLite {
		t.Errorf("StorageDriver = %q, want %q", cfg.StorageDriver, StorageSQLite)
	}
	if cfg.StorageDSN != "./data/console.db" {
		t.Errorf("StorageDSN = %q, want default", cfg.StorageDSN)
	}
	if cfg.StorageNamespace != "console" {
		t.Errorf("StorageNamespace = %q, want %q", cfg.StorageNamespace, "console")
	}
	if cfg.MirrorSessionToDurable {
		t.Error("MirrorSessionToDurable should default to false")
	}
	if cfg.TelemetryKafkaTopic != "console-session-events" {
		t.Errorf("TelemetryKafkaTopic = %q, want default", cfg.TelemetryKafkaTopic)
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if got := cfg.RequestTimeout(); got != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", got)
	}
	if got := cfg.RefreshInterval(); got != time.Minute {
		t.Errorf("RefreshInterval = %v, want 1m", got)
	}
	if got := cfg.RefreshThreshold(); got != 5*time.Minute {
		t.Errorf("RefreshThreshold = %v, want 5m", got)
	}
	if got := cfg.SessionMaxAge(); got != 24*time.Hour {
		t.Errorf("SessionMaxAge = %v, want 24h", got)
	}
	if got := cfg.RememberMeMaxAge(); got != 720*time.Hour {
		t.Errorf("RememberMeMaxAge = %v, want 720h", got)
	}
}

func TestLoad_APIBaseURLRequired(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load should fail without API_BASE_URL")
	}
	if cfg != nil {
		t.Error("Load should return nil config on error")
	}
	if err.Error() != "config: API_BASE_URL must be set" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoadBase_WithoutAPIBaseURL(t *testing.T) {
	os.Clearenv()
	os.Setenv("STORAGE_DRIVER", "postgres")
	os.Setenv("STORAGE_DSN", "postgres://localhost/console")

	cfg, err := LoadBase()
	if err != nil {
		t.Fatalf("LoadBase: %v", err)
	}
	if cfg.APIBaseURL != "" || cfg.StorageDriver != StoragePostgres {
		t.Errorf("cfg = %+v", cfg)
	}
	os.Setenv("STORAGE_DRIVER", "etcd")
	if _, err := LoadBase(); err == nil {
		t.Error("LoadBase should still validate STORAGE_DRIVER")
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("API_BASE_URL", "http://localhost:8081")
	os.Setenv("AUTH_REFRESH_PATH", "/v2/auth/refresh")
	os.Setenv("REFRESH_INTERVAL", "15s")
	os.Setenv("STORAGE_DRIVER", "Redis")
	os.Setenv("STORAGE_DSN", "localhost:6379")
	os.Setenv("MIRROR_SESSION_TO_DURABLE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthRefreshPath != "/v2/auth/refresh" {
		t.Errorf("AuthRefreshPath = %q", cfg.AuthRefreshPath)
	}
	if got := cfg.RefreshInterval(); got != 15*time.Second {
		t.Errorf("RefreshInterval = %v, want 15s", got)
	}
	if cfg.StorageDriver != StorageRedis {
		t.Errorf("StorageDriver = %q, want %q", cfg.StorageDriver, StorageRedis)
	}
	if !cfg.MirrorSessionToDurable {
		t.Error("MirrorSessionToDurable should be true")
	}
}

func TestLoad_StorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name   string
		driver string
		dsn    string
		err    bool
	}{
		{"memory without dsn", "memory", "", false},
		{"sqlite", "sqlite", "/tmp/console.db", false},
		{"postgres", "postgres", "postgres://localhost/console", false},
		{"unknown", "etcd", "localhost:2379", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("API_BASE_URL", "http://localhost:8081")
			os.Setenv("STORAGE_DRIVER", tc.driver)
			if tc.dsn != "" {
				os.Setenv("STORAGE_DSN", tc.dsn)
			}
			_, err := Load()
			if tc.err && err == nil {
				t.Fatal("Load should return error")
			}
			if !tc.err && err != nil {
				t.Fatalf("Load: %v", err)
			}
		})
	}
}

func TestLoad_AuthPathsMustBeAbsolute(t *testing.T) {
	os.Clearenv()
	os.Setenv("API_BASE_URL", "http://localhost:8081")
	os.Setenv("AUTH_LOGIN_PATH", "auth/login")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject relative AUTH_LOGIN_PATH")
	}
}

func TestLoad_BCRYPT_COSTRange(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  int
		err   bool
	}{
		{"valid min", "4", 4, false},
		{"valid max", "31", 31, false},
		{"too low", "3", 0, true},
		{"too high", "32", 0, true},
		{"zero", "0", 12, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("API_BASE_URL", "http://localhost:8081")
			os.Setenv("BCRYPT_COST", tc.value)

			cfg, err := Load()
			if tc.err {
				if err == nil {
					t.Fatal("Load should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.BcryptCost != tc.want {
				t.Errorf("BcryptCost = %d, want %d", cfg.BcryptCost, tc.want)
			}
		})
	}
}

func TestDurations_InvalidFallBack(t *testing.T) {
	cfg := &Config{
		RequestTimeoutRaw:   "invalid",
		RefreshIntervalRaw:  "0",
		RefreshThresholdRaw: "-5m",
		SessionMaxAgeRaw:    "",
		RememberMeMaxAgeRaw: "nope",
		JWTAccessTTL:        "30m",
	}
	if got := cfg.RequestTimeout(); got != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", got)
	}
	if got := cfg.RefreshInterval(); got != time.Minute {
		t.Errorf("RefreshInterval = %v, want 1m", got)
	}
	if got := cfg.RefreshThreshold(); got != 5*time.Minute {
		t.Errorf("RefreshThreshold = %v, want 5m", got)
	}
	if got := cfg.SessionMaxAge(); got != 24*time.Hour {
		t.Errorf("SessionMaxAge = %v, want 24h", got)
	}
	if got := cfg.RememberMeMaxAge(); got != 720*time.Hour {
		t.Errorf("RememberMeMaxAge = %v, want 720h", got)
	}
	if got := cfg.AccessTTL(); got != 30*time.Minute {
		t.Errorf("AccessTTL = %v, want 30m", got)
	}
}

func TestKafkaBrokersList(t *testing.T) {
	cfg := &Config{KafkaBrokers: " k1:9092, ,k2:9092 "}
	want := []string{"k1:9092", "k2:9092"}
	if got := cfg.KafkaBrokersList(); !reflect.DeepEqual(got, want) {
		t.Errorf("KafkaBrokersList = %v, want %v", got, want)
	}
	var nilCfg *Config
	if got := nilCfg.KafkaBrokersList(); got != nil {
		t.Errorf("nil config KafkaBrokersList = %v, want nil", got)
	}
}
