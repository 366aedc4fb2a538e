package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

const sample = `
log_level = "debug"

[http]
addr = ":9090"

[db]
path = "/tmp/flights.db"

[market]
max_trade = 5000.0

[resolution]
authorities = ["0x00000000000000000000000000000000000000a1"]
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "skyodds.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	is := is.New(t)
	cfg, err := Load(writeConfig(t, sample))
	is.NoErr(err)
	is.Equal(cfg.LogLevel, "debug")
	is.Equal(cfg.HTTP.Addr, ":9090")
	is.Equal(cfg.HTTP.RateBurst, 40)
	is.Equal(cfg.HTTP.SignatureWindowSecs, 300)
	is.Equal(cfg.Market.MaxTrade, 5000.0)
	is.Equal(cfg.Market.MinTrade, 1.0)
	is.Equal(cfg.Market.FeeBps, int64(200))
	is.NoErr(cfg.Validate())

	auths, err := cfg.Authorities()
	is.NoErr(err)
	is.Equal(len(auths), 1)
	is.Equal(cfg.Params().MaxTrade, 5000.0)
}

func TestEnvOverrides(t *testing.T) {
	is := is.New(t)
	t.Setenv("SKYODDS_HTTP_ADDR", ":7070")
	t.Setenv("SKYODDS_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SKYODDS_MARKET_MIN_TRADE", "2.5")
	t.Setenv("SKYODDS_HTTP_API_KEY", "s3cret")
	cfg, err := Load(writeConfig(t, sample))
	is.NoErr(err)
	is.Equal(cfg.HTTP.Addr, ":7070")
	is.Equal(cfg.Kafka.Brokers, []string{"k1:9092", "k2:9092"})
	is.Equal(cfg.Market.MinTrade, 2.5)
	is.Equal(cfg.HTTP.APIKey, "s3cret")
}

func TestValidateRejects(t *testing.T) {
	is := is.New(t)
	cfg := Defaults()
	is.True(cfg.Validate() != nil) // no authorities

	cfg.Resolver.Authorities = []string{"not-an-address"}
	is.True(cfg.Validate() != nil)

	cfg.Resolver.Authorities = []string{"0x00000000000000000000000000000000000000a1"}
	is.NoErr(cfg.Validate())

	cfg.Market.FeeBps = 100
	is.True(cfg.Validate() != nil)
	cfg.Market.FeeBps = 200
	cfg.LogLevel = "loud"
	is.True(cfg.Validate() != nil)
}

func TestLoadMissingFile(t *testing.T) {
	is := is.New(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	is.True(err != nil)
}
