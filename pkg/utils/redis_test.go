package utils

import (
	"context"
	"testing"
	"time"
)

func TestLeaseScriptsCompile(t *testing.T) {
	if leaseAcquireScript == nil || leaseRenewScript == nil || leaseReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestLease_RejectsMissingArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireLease(ctx, nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := RenewLease(ctx, nil, "k", "", time.Second); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if err := ReleaseLease(ctx, nil, "", "t"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
