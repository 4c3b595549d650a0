package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/gitswarm/gitswarm/internal/auth"
)

func TestMain(m *testing.M) {
	os.Setenv("GITSWARM_JWT_SECRET", "cli-test-secret-that-is-32-chars!!")
	os.Exit(m.Run())
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"version"}, &out); err != nil {
		t.Fatalf("run(version) error: %v", err)
	}
	if !strings.Contains(out.String(), "GitSwarm v"+version) {
		t.Errorf("output = %q, want version string", out.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("run(frobnicate) error = %v, want unknown command", err)
	}
}

func TestRun_MigrateRequiresDirection(t *testing.T) {
	err := run([]string{"migrate"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("run(migrate) error = %v, want usage", err)
	}
}

func TestRun_Token(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"token", "nightly-sync", "2h"}, &out); err != nil {
		t.Fatalf("run(token) error: %v", err)
	}

	claims, err := auth.ValidateJWT(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if claims.Subject != "nightly-sync" {
		t.Errorf("subject = %q, want nightly-sync", claims.Subject)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl.Hours() != 2 {
		t.Errorf("ttl = %v, want 2h", ttl)
	}
}

func TestRun_TokenArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing subject", []string{"token"}},
		{"bad ttl", []string{"token", "svc", "forever"}},
		{"negative ttl", []string{"token", "svc", "-1h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(tt.args, &bytes.Buffer{}); err == nil {
				t.Errorf("run(%v) expected error, got nil", tt.args)
			}
		})
	}
}
