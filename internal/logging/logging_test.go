package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwangbowen/simple-scp/internal/config"
)

func useLogPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	prev := config.Cfg.LogPath
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg.LogPath = prev })
	return path
}

func TestReadTail(t *testing.T) {
	path := useLogPath(t)

	out, err := ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, out, "missing file reads as empty")

	var b strings.Builder
	for i := 1; i <= 50; i++ {
		b.WriteString("line ")
		b.WriteString(string(rune('a' + i%26)))
		b.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte("first\n"+b.String()+"last\n"), 0o644))

	out, err = ReadTail(2)
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "last", lines[1])
}

func TestClear(t *testing.T) {
	path := useLogPath(t)
	require.NoError(t, Clear(), "clearing a missing file is a no-op")

	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))
	require.NoError(t, Clear())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestStdWriter_Levels(t *testing.T) {
	var buf bytes.Buffer
	w := stdWriter{logger: zerolog.New(&buf)}

	for _, msg := range []string{"WARNING: disk low\n", "ERROR: boom\n", "[pool] Connected\n"} {
		n, err := w.Write([]byte(msg))
		require.NoError(t, err)
		assert.Equal(t, len(msg), n)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[1], `"level":"error"`)
	assert.Contains(t, lines[2], `"level":"info"`)
	assert.Contains(t, lines[2], `"message":"[pool] Connected"`)
}
