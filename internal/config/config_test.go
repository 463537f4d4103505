package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "Asia/Shanghai", cfg.Checkin.Timezone)
	assert.Equal(t, 30*time.Minute, cfg.Checkin.CancelWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Checkin.ShareDefaultTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Checkin.ShareMaxTTL)
	assert.Equal(t, 50, cfg.Checkin.BatchCap)
	assert.Equal(t, "mock", cfg.SMS.Provider)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
profile: test
http:
  addr: ":9000"
database:
  host: db.internal
  port: 6543
sms:
  provider: http
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("SHARE_MAX_TTL_HOURS", "240")

	cfg := Load()
	assert.Equal(t, "test", cfg.Profile)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "http", cfg.SMS.Provider)
	assert.Equal(t, 240*time.Hour, cfg.Checkin.ShareMaxTTL)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 1, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=1 user=u password=p dbname=d sslmode=disable", c.GetDSN())
}

func TestCheckinConfig_Location(t *testing.T) {
	c := CheckinConfig{Timezone: "No/Such_Zone"}
	loc := c.Location()
	_, offset := time.Date(2025, 1, 7, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 8*3600, offset)
}

func TestValidate_ProdRejectsDevSecrets(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_PROFILE", "prod")
	t.Setenv("WECHAT_APP_ID", "wx123")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PHONE_HASH_SECRET", "")

	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "prod-jwt")
	err = Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PHONE_HASH_SECRET")

	t.Setenv("PHONE_HASH_SECRET", "prod-phone")
	t.Setenv("WECHAT_APP_ID", "")
	err = Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WECHAT_APP_ID")

	t.Setenv("WECHAT_APP_ID", "wx123")
	assert.NoError(t, Load().Validate())
}

func TestValidate_DevAllowsDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_PROFILE", "dev")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WECHAT_APP_ID", "")
	assert.NoError(t, Load().Validate())
}
