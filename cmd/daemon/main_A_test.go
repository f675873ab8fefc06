package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-relay/internal/config"
	"github.com/i5heu/ouroboros-relay/pkg/model"
)

func TestFlagsOverrideConfigFile(t *testing.T) { // A
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: :1111\ninMemory: true\nlogLevel: warn\n"), 0o600))

	conf, err := loadConfig(parseFlags([]string{"-config", path, "-listen", ":2222", "-debug"}))
	require.NoError(t, err)
	assert.Equal(t, ":2222", conf.ListenAddr)
	assert.True(t, conf.InMemory)
	assert.Equal(t, "debug", conf.LogLevel)

	dataDir := t.TempDir()
	conf, err = loadConfig(parseFlags([]string{"-config", path, "-data", dataDir}))
	require.NoError(t, err)
	assert.False(t, conf.InMemory)
	assert.Equal(t, dataDir, conf.DataPath)
}

func TestBanner(t *testing.T) { // A
	color.NoColor = true
	conf := config.Default()
	conf.NodeID = "node-a"
	conf.Peers = []model.PeerNode{
		{NodeID: "node-b", BaseURL: "http://b:4242"},
		{NodeID: "node-c", BaseURL: "http://c:4242"},
	}

	var buf bytes.Buffer
	banner(&buf, conf)
	out := buf.String()
	assert.Contains(t, out, "Node:   node-a")
	assert.Contains(t, out, "node-b http://b:4242")
	assert.Contains(t, out, "node-c http://c:4242")
	assert.Less(t, strings.Index(out, "Listen:"), strings.Index(out, "Peers:"))
}
