package core_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clamgate/internal/core"
	"clamgate/internal/definitions"
	"clamgate/internal/engine"
	"clamgate/pkg/auth"

	"github.com/stretchr/testify/require"
)

const configYAML = `
listen: ":8080"
work_dir: /var/lib/clamgate
object_store:
  backend: minio
  endpoint: localhost:9000
  access_key_id: minioadmin
  secret_access_key: minioadmin
records:
  backend: dynamodb
  table: file-uploads
  ttl: 72h
definitions:
  bucket: av-definitions
scanner:
  scan_timeout: 90s
limits:
  max_scannable_size: 1000000
queue:
  url: https://sqs.us-east-1.amazonaws.com/123/uploads
auth:
  tokens: [abc]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clamgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := core.NewConfig()
	require.Equal(t, engine.DefaultLimits(), cfg.EngineLimits())
	require.Equal(t, definitions.DefaultPrefix, cfg.Definitions.Prefix)
	require.Equal(t, definitions.DefaultNames, cfg.Definitions.Names)
	require.Equal(t, "md5", cfg.Definitions.Digest)
	require.Equal(t, int64(2*1024*1024), cfg.Limits.ChunkSize)
	require.Equal(t, 15*24*time.Hour, cfg.Records.TTL)
	require.Equal(t, "@every 3h", cfg.RefreshSchedule)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := core.LoadConfig(writeConfig(t, configYAML), core.WithListen(":9999"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9999", cfg.Listen, "options override the file")
	require.Equal(t, "/var/lib/clamgate", cfg.WorkDir)
	require.Equal(t, "localhost:9000", cfg.ObjectStore.Endpoint)
	require.Equal(t, "dynamodb", cfg.Records.Backend)
	require.Equal(t, 72*time.Hour, cfg.Records.TTL)
	require.Equal(t, 90*time.Second, cfg.Scanner.ScanTimeout)
	require.Equal(t, 5*time.Minute, cfg.Scanner.RefreshTimeout, "unset values keep their default")
	require.Equal(t, engine.Limits{MaxFileSize: engine.DefaultMaxFileSize, MaxScannableSize: 1000000}, cfg.EngineLimits())
	require.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/uploads", cfg.Queue.URL)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := core.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = core.LoadConfig(writeConfig(t, "records: [unterminated"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() core.Config {
		return core.NewConfig(
			core.WithDefinitionsBucket("defs"),
			core.WithObjectStore(core.ObjectStoreConfig{Backend: "minio", Endpoint: "localhost:9000"}),
		)
	}

	tests := []struct {
		name   string
		mutate func(c *core.Config)
		want   string
	}{
		{name: "valid", mutate: func(c *core.Config) {}},
		{name: "aws s3 needs no endpoint", mutate: func(c *core.Config) { c.ObjectStore = core.ObjectStoreConfig{Backend: "s3"} }},
		{name: "definitions bucket", mutate: func(c *core.Config) { c.Definitions.Bucket = "" }, want: "definitions.bucket"},
		{name: "digest", mutate: func(c *core.Config) { c.Definitions.Digest = "sha1" }, want: "sha1"},
		{name: "minio endpoint", mutate: func(c *core.Config) { c.ObjectStore.Endpoint = "" }, want: "object_store.endpoint"},
		{name: "object store backend", mutate: func(c *core.Config) { c.ObjectStore.Backend = "gcs" }, want: "gcs"},
		{name: "dynamodb table", mutate: func(c *core.Config) { c.Records.Backend = "dynamodb" }, want: "records.table"},
		{name: "records backend", mutate: func(c *core.Config) { c.Records.Backend = "postgres" }, want: "postgres"},
		{name: "limits", mutate: func(c *core.Config) { c.Limits.MaxScannableSize = c.Limits.MaxFileSize + 1 }, want: "max_scannable_size"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestConfigAuthEngine(t *testing.T) {
	t.Parallel()

	open := core.NewConfig().AuthEngine()
	require.IsType(t, auth.AllowAll{}, open)

	explicit := auth.NewTokenAuthEngine("x")
	require.Same(t, explicit, core.NewConfig(core.WithAuthEngine(explicit)).AuthEngine())

	cfg := core.NewConfig()
	cfg.Auth = core.AuthConfig{Username: "u", Password: "p", Tokens: []string{"t"}}
	engine := cfg.AuthEngine()

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.Header.Set("Authorization", "Bearer t")
	user, err := engine.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)

	req = httptest.NewRequest(http.MethodPost, "/events", nil)
	req.SetBasicAuth("u", "p")
	user, err = engine.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "u", user.Name)
}
