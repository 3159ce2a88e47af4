package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmvstard-prog/customs-kb/cmd/customs-kb/internal"
)

func TestParseArgsInterspersed(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantPos   []string
		wantLimit int
		wantJSON  bool
	}{
		{"flags first", []string{"-limit", "3", "-json", "steel"}, []string{"steel"}, 3, true},
		{"flags last", []string{"0406.30", "cheese", "-limit", "7"}, []string{"0406.30", "cheese"}, 7, false},
		{"flags between", []string{"0406.30", "-json", "cheese"}, []string{"0406.30", "cheese"}, 10, true},
		{"no positionals", []string{"-json"}, nil, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			limit := fs.Int("limit", 10, "")
			jsonOutput := fs.Bool("json", false, "")

			pos, err := parseArgs(fs, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPos, pos)
			assert.Equal(t, tt.wantLimit, *limit)
			assert.Equal(t, tt.wantJSON, *jsonOutput)
		})
	}
}

func TestParseArgsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(os.NewFile(0, os.DevNull))
	_, err := parseArgs(fs, []string{"steel", "-nope"})
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"7208", "7209.10"}, splitList(" 7208, ,7209.10 "))
	assert.Nil(t, splitList(""))
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CUSTOMSKB_VECTOR_BACKEND", "")
	require.NoError(t, os.Unsetenv("CUSTOMSKB_VECTOR_BACKEND"))

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CUSTOMSKB_VECTOR_BACKEND=memory\n"), 0644))

	cfg, usedDefaults, err := internal.LoadConfig("", envFile)
	require.NoError(t, err)
	assert.True(t, usedDefaults)
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, filepath.Join(home, ".customs-kb", "data", "customs-kb.db"), cfg.Database.Path)

	_, _, err = internal.LoadConfig(filepath.Join(home, "missing.yaml"), envFile)
	require.Error(t, err)
}
