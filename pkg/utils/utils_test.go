package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateSessionID_Unique(t *testing.T) {
	a := GenerateSessionID()
	b := GenerateSessionID()

	if a == "" {
		t.Fatal("GenerateSessionID() returned empty string")
	}
	if a == b {
		t.Errorf("GenerateSessionID() returned duplicate: %s", a)
	}
}

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()

	if !strings.HasPrefix(a, "req_") {
		t.Errorf("GenerateRequestID() = %q, want req_ prefix", a)
	}
	if a == b {
		t.Errorf("GenerateRequestID() returned duplicate: %s", a)
	}
}

func TestIsExpired(t *testing.T) {
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	Now = func() time.Time { return base }
	defer func() { Now = time.Now }()

	if IsExpired(base.Add(-30*time.Second), time.Minute) {
		t.Error("timestamp within ttl reported expired")
	}
	if !IsExpired(base.Add(-2*time.Minute), time.Minute) {
		t.Error("timestamp past ttl not reported expired")
	}
	// Exactly at the ttl boundary is not yet expired.
	if IsExpired(base.Add(-time.Minute), time.Minute) {
		t.Error("timestamp at ttl boundary reported expired")
	}
}
