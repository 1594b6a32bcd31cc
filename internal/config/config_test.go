// =============================================================================
// 配置模块单元测试
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gonglijing/xunjiHub/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Server.Listen = %s, want :8080", cfg.Server.Listen)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Redis.FreshnessWindow != 5*time.Minute {
		t.Errorf("Redis.FreshnessWindow = %v, want 5m", cfg.Redis.FreshnessWindow)
	}
	if cfg.Dispatcher.BaseBackoff != 2*time.Second {
		t.Errorf("Dispatcher.BaseBackoff = %v, want 2s", cfg.Dispatcher.BaseBackoff)
	}
	if cfg.Dispatcher.MaxRetries != 3 {
		t.Errorf("Dispatcher.MaxRetries = %d, want 3", cfg.Dispatcher.MaxRetries)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.TopicPrefix != "devices" {
		t.Errorf("MQTT defaults = %+v", cfg.MQTT)
	}
	if cfg.BLE.Enabled || cfg.Modbus.Enabled {
		t.Error("BLE and Modbus should be disabled by default")
	}
	if cfg.Modbus.Breaker.FailureThreshold != 5 {
		t.Errorf("Modbus.Breaker.FailureThreshold = %d, want 5", cfg.Modbus.Breaker.FailureThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

const sampleYAML = `
server:
  listen: ":9000"
  read_timeout: 45s
log:
  level: debug
mqtt:
  broker: tcp://broker:1883
  topic_prefix: site1
ble:
  enabled: true
  gateways:
    - device_id: gw-1
      key: secret
modbus:
  enabled: true
  breaker:
    failure_threshold: 2
    recovery_timeout: 10s
  devices:
    - key: meter-1
      transport: tcp
      address: 10.0.0.5:502
      slave_id: 3
      interval: 15s
      points:
        - field: voltage
          register: 0
          type: uint16
          scale: 0.1
devices:
  - id: dev-1
    key: em300-1
    protocol: MQTT
    codec_id: milesight-em300
    enabled: true
  - id: tag-1
    key: aa-bb-cc-dd-ee-01
    protocol: ble
    enabled: true
alarms:
  - id: alarm-1
    device_id: dev-1
    name: hot
    severity: critical
    enabled: true
    auto_clear: true
    rule:
      telemetry_key: temperature
      condition: gt
      value: 30
      duration_seconds: 60
`

func TestParse_NestedSections(t *testing.T) {
	cfg := DefaultConfig()
	if err := Parse(cfg, []byte(sampleYAML)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cfg.normalize()

	if cfg.Server.Listen != ":9000" || cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	// 未出现的键保持默认值
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.MQTT.TopicPrefix != "site1" || !cfg.MQTT.Enabled {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Modbus.Breaker.FailureThreshold != 2 || cfg.Modbus.Breaker.RecoveryTimeout != 10*time.Second {
		t.Errorf("breaker = %+v", cfg.Modbus.Breaker)
	}
	if len(cfg.Modbus.Devices) != 1 {
		t.Fatalf("modbus devices = %d, want 1", len(cfg.Modbus.Devices))
	}
	md := cfg.Modbus.Devices[0]
	if md.SlaveID != 3 || md.Interval != 15*time.Second || md.Points[0].Scale != 0.1 {
		t.Errorf("modbus device = %+v", md)
	}

	if len(cfg.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(cfg.Devices))
	}
	if cfg.Devices[0].Protocol != models.ProtocolMQTT {
		t.Errorf("protocol = %s, want mqtt", cfg.Devices[0].Protocol)
	}
	if cfg.Devices[1].Key != "AA:BB:CC:DD:EE:01" {
		t.Errorf("ble key = %s, want normalized MAC", cfg.Devices[1].Key)
	}

	a := cfg.Alarms[0]
	if a.Rule.Condition != models.ConditionGT || a.Rule.Value != 30 || a.Rule.DurationSeconds != 60 {
		t.Errorf("alarm rule = %+v", a.Rule)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	cfg := DefaultConfig()
	if err := Parse(cfg, []byte("server: [")); err == nil {
		t.Error("expected parse error")
	}
	if err := Parse(cfg, []byte("   \n")); err != nil {
		t.Errorf("empty document should be ignored: %v", err)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = []models.Device{
		{ID: "d1", Key: "k", Protocol: "lorawan"},
		{ID: "d1", Key: "k2", Protocol: "mqtt"},
		{Key: "no-id", Protocol: "mqtt"},
	}
	cfg.Alarms = []models.Alarm{
		{ID: "a1", DeviceID: "ghost", Rule: models.AlarmRule{TelemetryKey: "t", Condition: "ABOVE"}},
	}
	cfg.BLE.Gateways = []BLEGatewayConfig{{DeviceID: "gw"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"unknown protocol", "duplicate id", "id and key are required", "unknown device", "unknown condition", "ble.gateways[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestLoad_ExplicitFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LISTEN_ADDR", ":9100")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MQTT_ENABLED", "0")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen != ":9100" {
		t.Errorf("Server.Listen = %s, want :9100", cfg.Server.Listen)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %s", cfg.Redis.Addr)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT_ENABLED=0 should disable mqtt")
	}
	if cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("NATS.URL = %s", cfg.NATS.URL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug from file", cfg.Log.Level)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestLoadFromEnv_DurationFallback(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "bogus")
	t.Setenv("FRESHNESS_WINDOW", "-1s")
	t.Setenv("DISPATCH_MAX_RETRIES", "7")

	cfg := DefaultConfig()
	cfg.Server.ReadTimeout = 0
	loadFromEnv(cfg)

	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want fallback 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Redis.FreshnessWindow != 5*time.Minute {
		t.Errorf("FreshnessWindow = %v, want unchanged 5m", cfg.Redis.FreshnessWindow)
	}
	if cfg.Dispatcher.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Dispatcher.MaxRetries)
	}
}

func TestGetAllowedOrigins(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetAllowedOrigins(); got != nil {
		t.Errorf("GetAllowedOrigins() = %v, want nil", got)
	}
	cfg.Server.AllowedOrigins = "http://a.com, ,http://b.com"
	got := cfg.GetAllowedOrigins()
	if len(got) != 2 || got[0] != "http://a.com" || got[1] != "http://b.com" {
		t.Errorf("GetAllowedOrigins() = %v", got)
	}
}

func TestConfig_String(t *testing.T) {
	s := DefaultConfig().String()
	if !strings.Contains(s, "Listen=:8080") || !strings.Contains(s, "Devices=0") {
		t.Errorf("String() = %s", s)
	}
}
