package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsPaths(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	paths, err := absPaths(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{cwd}, paths)

	paths, err = absPaths([]string{"sub", "/abs/dir"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(cwd, "sub"), "/abs/dir"}, paths)
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{{"dupes"}, {"hash"}, {"config", "show"}, {"config", "set"}, {"cache", "stats"}} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	for _, flag := range []string{"verbose", "debug", "repo", "format", "algorithms", "mode", "workers", "backend"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestOpenEngine_AppliesFlags(t *testing.T) {
	root := t.TempDir()
	argRepo, argAlgorithms, argWorkers, argBackend = root, "md5,sha1", 3, "none"
	defer func() { argRepo, argAlgorithms, argWorkers, argBackend = "", "", 0, "" }()

	engine, err := openEngine()
	require.NoError(t, err)
	defer engine.Close()

	all := engine.GetConfig().GetAllConfig()
	assert.Equal(t, 3, all.Performance.HashWorkers)
	assert.Equal(t, "none", all.Cache.Backend)
	assert.DirExists(t, filepath.Join(root, ".dcfp"))

	stats, err := engine.CacheStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)

	argBackend = "bogus"
	_, err = openEngine()
	assert.Error(t, err)
}
