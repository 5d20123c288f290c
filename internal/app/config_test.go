package app

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TG_TEST_STR", "  hello ")
	if got := EnvString("TG_TEST_STR", "def"); got != "hello" {
		t.Fatalf("EnvString: %q", got)
	}
	if got := EnvString("TG_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default: %q", got)
	}

	t.Setenv("TG_TEST_BOOL", "true")
	if !EnvBool("TG_TEST_BOOL", false) {
		t.Fatalf("EnvBool: want true")
	}
	t.Setenv("TG_TEST_BOOL", "garbage")
	if EnvBool("TG_TEST_BOOL", false) {
		t.Fatalf("EnvBool: garbage must fall back to default")
	}

	t.Setenv("TG_TEST_INT", "42")
	if got := EnvInt("TG_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt: %d", got)
	}
	t.Setenv("TG_TEST_INT", "-3")
	if got := EnvInt("TG_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt: non-positive must fall back, got %d", got)
	}

	// Telegram chat ids are negative for groups, so int64 allows them.
	t.Setenv("TG_TEST_INT64", "-1001234567890")
	if got := EnvInt64("TG_TEST_INT64", 0); got != -1001234567890 {
		t.Fatalf("EnvInt64: %d", got)
	}

	t.Setenv("TG_TEST_DUR", "90s")
	if got := EnvDuration("TG_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("EnvDuration: %v", got)
	}
	t.Setenv("TG_TEST_DUR", "soon")
	if got := EnvDuration("TG_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("EnvDuration: garbage must fall back, got %v", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr %q", cfg.HTTPAddr)
	}
	if cfg.DBSchema != "tollgate" {
		t.Fatalf("DBSchema %q", cfg.DBSchema)
	}
	if cfg.RequestTimeout != 10*time.Minute {
		t.Fatalf("RequestTimeout %v", cfg.RequestTimeout)
	}
	if cfg.WriteTimeout != 0 {
		t.Fatalf("WriteTimeout %v, must stay zero for long-lived streams", cfg.WriteTimeout)
	}
	if cfg.PullTimeout != 25*time.Second {
		t.Fatalf("PullTimeout %v", cfg.PullTimeout)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TOLLGATE_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("TOLLGATE_REQUEST_TIMEOUT", "5m")
	t.Setenv("TOLLGATE_TELEGRAM_CHAT_ID", "-100200300")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr %q", cfg.HTTPAddr)
	}
	if cfg.RequestTimeout != 5*time.Minute {
		t.Fatalf("RequestTimeout %v", cfg.RequestTimeout)
	}
	if cfg.TelegramChatID != -100200300 {
		t.Fatalf("TelegramChatID %d", cfg.TelegramChatID)
	}
}
