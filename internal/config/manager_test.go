package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestManager() *Manager {
	global := &Config{}
	global.applyDefaults()

	return &Manager{
		globalConfig: global,
		namespaces: map[string]Config{
			"billing-": {Engine: EngineConfig{IntegrityMaxLevel: 5}},
			"billing-eu-": {Engine: EngineConfig{IntegrityMaxLevel: 9, IntegrityBucketSize: 64}},
		},
	}
}

func TestManagerGetFallsBackToGlobalWhenNoPrefixMatches(t *testing.T) {
	m := newTestManager()
	effective := m.Get("orders-123")
	assert.Equal(t, m.globalConfig.Engine.IntegrityMaxLevel, effective.Engine.IntegrityMaxLevel)
}

func TestManagerGetAppliesMatchingNamespaceOverride(t *testing.T) {
	m := newTestManager()
	effective := m.Get("billing-invoices")
	assert.Equal(t, 5, effective.Engine.IntegrityMaxLevel)
	assert.Equal(t, m.globalConfig.Engine.IntegrityBucketSize, effective.Engine.IntegrityBucketSize)
}

func TestManagerGetPrefersLongestMatchingPrefix(t *testing.T) {
	m := newTestManager()
	effective := m.Get("billing-eu-invoices")
	assert.Equal(t, 9, effective.Engine.IntegrityMaxLevel)
	assert.Equal(t, 64, effective.Engine.IntegrityBucketSize)
}

func TestManagerGetDoesNotMutateGlobalConfig(t *testing.T) {
	m := newTestManager()
	originalLevel := m.globalConfig.Engine.IntegrityMaxLevel

	_ = m.Get("billing-eu-invoices")

	assert.Equal(t, originalLevel, m.globalConfig.Engine.IntegrityMaxLevel)
}
