package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/eventpipe/internal/app"
	"git.home.luguber.info/inful/eventpipe/internal/config"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// run parses args like main does and returns what the command printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("eventpipe"), kong.Vars{"version": "test"}, kong.Exit(func(int) {}))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	err = kctx.Run(&Global{Out: &out}, cli)
	return out.String(), err
}

func TestParseRoles(t *testing.T) {
	roles, err := parseRoles([]string{"api", "process", "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, []app.Role{app.RoleAPI, app.RoleProcessor, app.RoleScheduler}, roles)

	_, err = parseRoles([]string{"api", "nope"})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestSamplePayload(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	raw, err := samplePayload("CLICK_EVENT", `{"sessionId":"s-1","extra":true}`, now)
	require.NoError(t, err)
	var data map[string]any
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "CLICK_EVENT", data["type"])
	assert.Equal(t, "s-1", data["sessionId"])
	assert.Equal(t, true, data["extra"])
	assert.Equal(t, "cta-button", data["elementId"])

	raw, err = samplePayload("MANUAL_EVENT", "", now)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"priority":"MEDIUM"`)

	_, err = samplePayload("MANUAL_EVENT", `[1,2]`, now)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestUploadRequest(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()

	generated, err := (&UploadCmd{}).request(now)
	require.NoError(t, err)
	assert.Equal(t, "test-file-1700000000000.txt", generated.FileName)
	assert.Equal(t, "text/plain", generated.FileType)
	assert.Contains(t, generated.FileContent, "This is a test file uploaded at")

	path := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o600))
	fromFile, err := (&UploadCmd{Path: path, FileType: "text/csv"}).request(now)
	require.NoError(t, err)
	assert.Equal(t, "report.csv", fromFile.FileName)
	assert.Equal(t, "a,b\n", fromFile.FileContent)
	assert.Equal(t, "text/csv", fromFile.FileType)
}

func TestTriggerCommand(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"Event created successfully","eventId":"e-9","timestamp":"2026-01-01T00:00:00.000Z"}`))
	}))
	defer srv.Close()

	out, err := run(t, "trigger", "--url", srv.URL, "--type", "CLICK_EVENT", "--data", `{"pageUrl":"/pricing"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "e-9")
	assert.Equal(t, "/pricing", got["pageUrl"])
}

func TestDLQCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dlq":
			_, _ = w.Write([]byte(`{"messages":[{"messageId":"m-1","body":{ "eventId" : "e-1" }}],"count":1}`))
		case "/dlq/redrive":
			_, _ = w.Write([]byte(`{"redriven":1}`))
		}
	}))
	defer srv.Close()

	out, err := run(t, "dlq", "list", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "m-1\t{\"eventId\":\"e-1\"}")
	assert.Contains(t, out, "1 message(s)")

	out, err = run(t, "dlq", "redrive", "--url", srv.URL, "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "redriven 1 message(s)")
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventpipe.yaml")

	out, err := run(t, "-c", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "initialized successfully")

	_, err = run(t, "-c", path, "init")
	require.Error(t, err)

	_, err = run(t, "-c", path, "init", "--force")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().HTTP.Addr, cfg.HTTP.Addr)
}

func TestPurgeAgainstDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "eventpipe.yaml")
	cfg := []byte("store:\n  driver: sqlite\n  sqlite_path: " + filepath.Join(dir, "events.db") + "\nblob:\n  root: " + filepath.Join(dir, "blobs") + "\n")
	require.NoError(t, os.WriteFile(path, cfg, 0o600))

	out, err := run(t, "-c", path, "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 records")

	out, err = run(t, "-c", path, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "stale: 0, republished: 0")
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", slogLevel(config.LogLevelDebug).String())
	assert.Equal(t, "WARN", slogLevel(config.LogLevelWarn).String())
	assert.Equal(t, "INFO", slogLevel("whatever").String())
}
