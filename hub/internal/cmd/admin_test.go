package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/relay/hub/internal/api"
	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/hub"
	"github.com/amurg-ai/relay/hub/internal/store"
)

const testAdminKey = "cmd-test-admin-key-0123456789"

func setupTestHub(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage = config.StorageConfig{Driver: "sqlite", DSN: ":memory:"}
	cfg.Auth.TokenSecret = "cmd-test-secret-that-is-long-enough-0123"
	cfg.Auth.AdminKey = testAdminKey
	cfg.Audit = config.AuditConfig{}
	cfg.Metrics = config.MetricsConfig{}

	h, err := hub.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub.WithAuthOptions(auth.WithBcryptCost(bcrypt.MinCost)))
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func adminArgs(srv *httptest.Server, args ...string) []string {
	return append([]string{"admin", "--hub-url", srv.URL, "--admin-key", testAdminKey}, args...)
}

func TestAdmin_ProvisionListRevoke(t *testing.T) {
	srv := setupTestHub(t)

	out, err := runCLI(t, adminArgs(srv, "provision", "--org", "acme", "--hostname", "build-01", "--json")...)
	if err != nil {
		t.Fatalf("provision: %v\n%s", err, out)
	}
	var prov api.ProvisionResponse
	if err := json.Unmarshal([]byte(out), &prov); err != nil {
		t.Fatalf("decode provision output: %v\n%s", err, out)
	}
	if prov.Device == nil || prov.Device.OrgID != "acme" || prov.Token == "" {
		t.Fatalf("unexpected provision response: %+v", prov)
	}

	out, err = runCLI(t, adminArgs(srv, "devices", "--org", "acme")...)
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	for _, want := range []string{prov.Device.ID, "build-01", "active"} {
		if !strings.Contains(out, want) {
			t.Errorf("device table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, prov.Token) {
		t.Error("device listing leaked the raw token")
	}

	out, err = runCLI(t, adminArgs(srv, "revoke", prov.Device.ID)...)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !strings.Contains(out, "Revoked") || !strings.Contains(out, "0 connection(s)") {
		t.Errorf("unexpected revoke output:\n%s", out)
	}

	out, err = runCLI(t, adminArgs(srv, "devices", "--org", "acme", "--json")...)
	if err != nil {
		t.Fatalf("devices --json: %v", err)
	}
	var devices []store.Device
	if err := json.Unmarshal([]byte(out), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].RevokedAt == nil {
		t.Errorf("expected one revoked device, got %+v", devices)
	}
}

func TestAdmin_Token(t *testing.T) {
	srv := setupTestHub(t)

	out, err := runCLI(t, adminArgs(srv, "token", "--org", "acme", "--ttl", "10m", "--json")...)
	if err != nil {
		t.Fatalf("token: %v\n%s", err, out)
	}
	var resp api.DashboardTokenResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatal(err)
	}
	if strings.Count(resp.Token, ".") != 2 {
		t.Errorf("token %q is not three segments", resp.Token)
	}

	if _, err := runCLI(t, adminArgs(srv, "token", "--org", "acme", "--ttl", "-1m")...); err == nil {
		t.Error("expected error for negative ttl")
	}
}

func TestAdmin_WrongKey(t *testing.T) {
	srv := setupTestHub(t)

	_, err := runCLI(t, "admin", "--hub-url", srv.URL, "--admin-key", "nope", "stats")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.Status)
	}
}

func TestAdmin_RevokeUnknown(t *testing.T) {
	srv := setupTestHub(t)

	_, err := runCLI(t, adminArgs(srv, "revoke", "no-such-device")...)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestAdmin_KeysCreateAndStats(t *testing.T) {
	srv := setupTestHub(t)

	out, err := runCLI(t, adminArgs(srv, "keys", "create", "ci", "--json")...)
	if err != nil {
		t.Fatalf("keys create: %v", err)
	}
	var key api.AdminKeyResponse
	if err := json.Unmarshal([]byte(out), &key); err != nil {
		t.Fatal(err)
	}
	if key.Secret == "" || key.Key == nil || key.Key.Name != "ci" {
		t.Fatalf("unexpected key response: %+v", key)
	}

	// The new key authenticates on its own.
	out, err = runCLI(t, "admin", "--hub-url", srv.URL, "--admin-key", key.Secret, "stats")
	if err != nil {
		t.Fatalf("stats with created key: %v", err)
	}
	if !strings.Contains(out, "Connections: 0") {
		t.Errorf("unexpected stats output:\n%s", out)
	}
}

func TestAdmin_Audit(t *testing.T) {
	srv := setupTestHub(t)

	if _, err := runCLI(t, adminArgs(srv, "provision", "--org", "acme", "--hostname", "h1")...); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, adminArgs(srv, "audit", "--org", "acme", "--limit", "10")...)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "device.provision") {
		t.Errorf("audit output missing provision event:\n%s", out)
	}
}

func TestAdmin_InvalidHubURL(t *testing.T) {
	_, err := runCLI(t, "admin", "--hub-url", "ftp://hub", "--admin-key", testAdminKey, "stats")
	if err == nil || !strings.Contains(err.Error(), "invalid hub url") {
		t.Fatalf("expected invalid hub url error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "relay-hub test" {
		t.Errorf("version output = %q", out)
	}
}
