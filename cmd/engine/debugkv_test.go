package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunDebugKvUnknownSubspace(t *testing.T) {
	err := runDebugKv(debugKvCmd, []string{"not-a-real-subspace"})
	assert.Error(t, err)
}

func TestRunDebugBackfillUnknownSubspace(t *testing.T) {
	err := runDebugBackfill(debugBackfillCmd, []string{"not-a-real-subspace"})
	assert.Error(t, err)
}

func TestRunDebugBackfillUnsupportedSubspace(t *testing.T) {
	oldDir := debugBackfillDataDir
	debugBackfillDataDir = t.TempDir() + "/engine.db"
	defer func() { debugBackfillDataDir = oldDir }()

	err := runDebugBackfill(debugBackfillCmd, []string{"runner"})
	assert.Error(t, err)
}
