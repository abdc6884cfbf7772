package config

import (
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationYAML(t *testing.T) {
	var w WindowLimit
	if err := yaml.Unmarshal([]byte("capacity: 15\nduration: 15m\n"), &w); err != nil { t.Fatal(err) }
	if w.Capacity != 15 || w.Duration.Std() != 15*time.Minute {
		t.Fatalf("unexpected window limit: %+v", w)
	}
	if err := yaml.Unmarshal([]byte("duration: fifteen\n"), &w); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalq.yaml")
	cfg := Default()
	cfg.Account.Username = "botacct"
	if err := Save(path, cfg); err != nil { t.Fatal(err) }
	got, err := Load(path)
	if err != nil { t.Fatal(err) }
	if got.Account.Username != "botacct" { t.Fatalf("username lost: %q", got.Account.Username) }
	reply, ok := got.Limits["reply"]
	if !ok { t.Fatal("reply limits missing") }
	if !reply.FairShare { t.Fatal("fair share flag lost") }
	if reply.Windows["short"].Duration.Std() != 15*time.Minute {
		t.Fatalf("short window duration lost: %v", reply.Windows["short"].Duration.Std())
	}
	if got.Queue.ClaimTTL.Std() != 10*time.Minute {
		t.Fatalf("claim ttl lost: %v", got.Queue.ClaimTTL.Std())
	}
}
