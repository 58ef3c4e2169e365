package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizingHandlerRedactsSecretsAndFingerprintsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "json")
	logger.Info("unlock", "device_id", "alice-phone", "password", "hunter2", "mnemonic", "abandon ...", "status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["device_id"]; ok {
		t.Fatal("device_id should not be present")
	}
	if got, _ := payload["device_id_fp"].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("expected fingerprint, got %q", got)
	}
	for _, k := range []string{"password", "mnemonic"} {
		if got, _ := payload[k].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", k, got)
		}
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected untouched status, got %v", payload["status"])
	}
	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "alice-phone") {
		t.Fatalf("raw values leaked: %s", buf.String())
	}
}

func TestSanitizingHandlerGroupsAndWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("session_id", "sess_abc")
	logger.Info("ratchet", slog.Group("state", slog.String("root_key", "deadbeef"), slog.Int("epoch", 3)))

	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "sess_abc") {
		t.Fatalf("raw values leaked: %s", out)
	}
	if !strings.Contains(out, "session_id_fp") || !strings.Contains(out, `"epoch":3`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFingerprintIDStableWithinProcess(t *testing.T) {
	if FingerprintID("bob") != FingerprintID(" bob ") {
		t.Fatal("fingerprint should ignore surrounding whitespace")
	}
	if FingerprintID("bob") == FingerprintID("carol") {
		t.Fatal("distinct ids collided")
	}
	if FingerprintID("") != "" {
		t.Fatal("empty id should stay empty")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("peer", "bob-phone"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "peer_fp") {
		t.Fatalf("expected sanitized peer key, got %s", buf.String())
	}
}
