package main

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandur/signpost/internal/spkv/spmemorykv"
)

func TestParseConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		config, err := parseConfig()
		require.NoError(t, err)

		require.True(t, config.AllowPublicAccess)
		require.Equal(t, defaultPort, config.Port)
		require.Equal(t, "localhost", config.RedisHost)
		require.Equal(t, 6379, config.RedisPort)
		require.Equal(t, 10*time.Second, config.RequestTimeout)
		require.Equal(t, StoreRedis, config.Store)
	})

	t.Run("FromEnv", func(t *testing.T) {
		t.Setenv("ALLOW_PUBLIC_ACCESS", "false")
		t.Setenv("DENIED_KEYS", "admin,root")
		t.Setenv("MASTER_PASSWORD", "hunter2")
		t.Setenv("PORT", "8080")
		t.Setenv("REQUEST_TIMEOUT", "3s")
		t.Setenv("STORE", StoreMemory)

		config, err := parseConfig()
		require.NoError(t, err)

		require.False(t, config.AllowPublicAccess)
		require.Equal(t, []string{"admin", "root"}, config.DeniedKeys)
		require.Equal(t, "hunter2", config.MasterPassword)
		require.Equal(t, 8080, config.Port)
		require.Equal(t, 3*time.Second, config.RequestTimeout)
		require.Equal(t, StoreMemory, config.Store)
	})

	t.Run("InvalidBool", func(t *testing.T) {
		t.Setenv("ALLOW_PUBLIC_ACCESS", "sometimes")

		_, err := parseConfig()
		require.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(&Config{LogFormat: "json", LogLevel: "debug"})
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = newLogger(&Config{LogFormat: "text", LogLevel: "loud"})
	require.Error(t, err)

	_, err = newLogger(&Config{LogFormat: "xml", LogLevel: "info"})
	require.EqualError(t, err, `unknown log format "xml" (should be 'json' or 'text')`)
}

func TestNewKVBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("Memory", func(t *testing.T) {
		backend, err := newKVBackend(ctx, logger, &Config{Store: StoreMemory})
		require.NoError(t, err)
		require.IsType(t, &spmemorykv.MemoryStore{}, backend.store)
		require.NotNil(t, backend.reapLoop)
		require.Nil(t, backend.close)
	})

	t.Run("PostgresMissingURL", func(t *testing.T) {
		_, err := newKVBackend(ctx, logger, &Config{Store: StorePostgres})
		require.EqualError(t, err, "DATABASE_URL is required for the postgres store")
	})

	t.Run("GCPStorageMissingBucket", func(t *testing.T) {
		_, err := newKVBackend(ctx, logger, &Config{Store: StoreGCPStorage})
		require.EqualError(t, err, "GCP_STORAGE_BUCKET is required for the gcpstorage store")
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := newKVBackend(ctx, logger, &Config{Store: "etcd"})
		require.EqualError(t, err, `unknown store "etcd" (should be one of gcpstorage, memory, postgres, or redis)`)
	})
}

func TestRunExpand(t *testing.T) {
	var out bytes.Buffer
	runExpand(&out, "Roll: <!r1-6>")

	matches := regexp.MustCompile(`\ARoll: (\d)\n\z`).FindStringSubmatch(out.String())
	require.Len(t, matches, 2)

	roll, err := strconv.Atoi(matches[1])
	require.NoError(t, err)
	require.GreaterOrEqual(t, roll, 1)
	require.LessOrEqual(t, roll, 6)
}

func TestRunGenSecret(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runGenSecret(&out))

	secret := strings.TrimSpace(out.String())
	require.Len(t, secret, secretLength)

	out.Reset()
	require.NoError(t, runGenSecret(&out))
	require.NotEqual(t, secret, strings.TrimSpace(out.String()))
}
