package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := log
	log = zap.New(core).Sugar()
	defer func() { log = prev }()

	With("component", "scheduler").Infow("job finished", "job", "payout-check")
	Warn("plain warning")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "scheduler", entries[0].ContextMap()["component"])
		assert.Equal(t, "payout-check", entries[0].ContextMap()["job"])
		assert.NotContains(t, entries[1].ContextMap(), "component")
	}
}
