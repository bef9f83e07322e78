package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	c := &Config{}
	c.applyDefaults()

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, 15, c.Server.ReadTimeoutSec)
	assert.Equal(t, 15, c.Server.WriteTimeoutSec)
	assert.Equal(t, 60, c.Server.IdleTimeoutSec)
	assert.Equal(t, 30, c.Server.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, c.Server.CORSAllowOrigins)
	assert.Equal(t, 30, c.Engine.InstanceTTLSec)
	assert.Equal(t, "2.16.840.1.101.3.4.2.10", c.Engine.IntegritySecretOID)
	assert.Equal(t, 3, c.Engine.IntegrityMaxLevel)
	assert.Equal(t, 256, c.Engine.IntegrityBucketSize)
	assert.Equal(t, 10, c.Engine.IntegrityBucketWindowSec)
	assert.Equal(t, "memory", c.Storage.Backend)
	assert.Equal(t, "localhost:6379", c.Storage.Redis.Addr)
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	c := &Config{}
	c.Server.Port = "9090"
	c.Storage.Backend = "cassandra"
	c.Server.CORSAllowOrigins = []string{"https://example.com"}

	c.applyDefaults()

	assert.Equal(t, "9090", c.Server.Port)
	assert.Equal(t, "cassandra", c.Storage.Backend)
	assert.Equal(t, []string{"https://example.com"}, c.Server.CORSAllowOrigins)
}

func TestApplyEnvOverridesReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BROKER_STORAGE_BACKEND", "cassandra")
	t.Setenv("BROKER_CASSANDRA_HOSTS", "host-a, host-b ,host-c")
	t.Setenv("BROKER_INTEGRITY_MAX_LEVEL", "5")
	t.Setenv("BROKER_BEARER_HMAC_SECRET", "s3cr3t")
	t.Setenv("BROKER_PUBSUB_PROJECT", "my-project")

	c := &Config{}
	c.applyEnvOverrides()

	assert.Equal(t, "9999", c.Server.Port)
	assert.Equal(t, "cassandra", c.Storage.Backend)
	assert.Equal(t, []string{"host-a", "host-b", "host-c"}, c.Storage.Cassandra.Hosts)
	assert.Equal(t, 5, c.Engine.IntegrityMaxLevel)
	assert.Equal(t, "s3cr3t", c.Identity.BearerHMACSecret)
	assert.Equal(t, "my-project", c.Observability.PubSubProjectID)
}

func TestApplyEnvOverridesIgnoresInvalidIntValues(t *testing.T) {
	t.Setenv("BROKER_INTEGRITY_MAX_LEVEL", "not-a-number")

	c := &Config{}
	c.applyEnvOverrides()

	assert.Equal(t, 3, c.Engine.IntegrityMaxLevel) // falls through to the default
}

func TestSplitCSVTrimsAndDropsEmptyEntries(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b ,c"))
	assert.Equal(t, []string{}, splitCSV(""))
}

func TestIsProductionAndIsDevelopment(t *testing.T) {
	c := &Config{}
	c.Server.Env = "production"
	assert.True(t, c.IsProduction())
	assert.False(t, c.IsDevelopment())

	c.Server.Env = "development"
	assert.False(t, c.IsProduction())
	assert.True(t, c.IsDevelopment())
}

func TestGetPortFallsBackWhenUnset(t *testing.T) {
	c := &Config{}
	assert.Equal(t, "8080", c.GetPort())

	c.Server.Port = "1234"
	assert.Equal(t, "1234", c.GetPort())
}
