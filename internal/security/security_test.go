package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("alice"); !ok {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	ok, retry := rl.Allow("alice")
	if ok {
		t.Fatal("request beyond burst allowed")
	}
	if retry < time.Second {
		t.Errorf("retry_after = %v, want >= 1s", retry)
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	if ok, _ := rl.Allow("alice"); !ok {
		t.Fatal("alice first request denied")
	}
	if ok, _ := rl.Allow("bob"); !ok {
		t.Error("bob should have his own bucket")
	}
	if ok, _ := rl.Allow("alice"); ok {
		t.Error("alice second request should be denied")
	}
	if rl.Size() != 2 {
		t.Errorf("Size = %d, want 2", rl.Size())
	}
}

func TestApprovalsGrant(t *testing.T) {
	a := NewApprovals()
	done := make(chan error, 1)
	go func() {
		done <- a.Await(context.Background(), "run_1", time.Now().Add(5*time.Second))
	}()

	// Wait until the run is registered before resolving.
	deadline := time.Now().Add(time.Second)
	for !a.Pending("run_1") {
		if time.Now().After(deadline) {
			t.Fatal("run never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	if err := a.Resolve("run_1", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Await = %v, want nil", err)
	}
	if a.Pending("run_1") {
		t.Error("slot not cleared after resolution")
	}
}

func TestApprovalsDeny(t *testing.T) {
	a := NewApprovals()
	done := make(chan error, 1)
	go func() {
		done <- a.Await(context.Background(), "run_1", time.Now().Add(5*time.Second))
	}()
	for !a.Pending("run_1") {
		time.Sleep(time.Millisecond)
	}
	if err := a.Resolve("run_1", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrApprovalDenied) {
		t.Errorf("Await = %v, want ErrApprovalDenied", err)
	}
}

func TestApprovalsTimeout(t *testing.T) {
	a := NewApprovals()
	err := a.Await(context.Background(), "run_1", time.Now().Add(20*time.Millisecond))
	if !errors.Is(err, ErrApprovalTimeout) {
		t.Errorf("Await = %v, want ErrApprovalTimeout", err)
	}
	if err := a.Resolve("run_1", true); !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("late Resolve = %v, want ErrNoPendingApproval", err)
	}
}

func TestApprovalsObserveLatency(t *testing.T) {
	a := NewApprovals()
	waits := make(chan time.Duration, 1)
	a.Observe(func(wait time.Duration) { waits <- wait })

	done := make(chan error, 1)
	go func() {
		done <- a.Await(context.Background(), "run_1", time.Now().Add(5*time.Second))
	}()
	for !a.Pending("run_1") {
		time.Sleep(time.Millisecond)
	}
	if err := a.Resolve("run_1", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	<-done

	select {
	case wait := <-waits:
		if wait < 0 {
			t.Errorf("wait = %v", wait)
		}
	case <-time.After(time.Second):
		t.Fatal("observer never called")
	}
}

func TestApprovalsContextCancel(t *testing.T) {
	a := NewApprovals()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Await(ctx, "run_1", time.Now().Add(5*time.Second))
	}()
	for !a.Pending("run_1") {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Await = %v, want context.Canceled", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantText   string
		wantIssues []string
	}{
		{"clean text passes", "hello world", "hello world", nil},
		{"keeps newline and tab", "a\n\tb", "a\n\tb", nil},
		{"strips control chars", "a\x00b\x1bc", "abc", []string{"control_chars_stripped"}},
		{"short url untouched", "see https://example.com/x", "see https://example.com/x", nil},
		{
			"long url redacted",
			"go to https://example.com/" + strings.Repeat("a", 150),
			"go to [redacted_url]",
			[]string{"long_url_redacted"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Sanitize(tt.in)
			if res.Text != tt.wantText {
				t.Errorf("text = %q, want %q", res.Text, tt.wantText)
			}
			if len(res.Issues) != len(tt.wantIssues) {
				t.Fatalf("issues = %v, want %v", res.Issues, tt.wantIssues)
			}
			for i := range tt.wantIssues {
				if res.Issues[i] != tt.wantIssues[i] {
					t.Errorf("issues = %v, want %v", res.Issues, tt.wantIssues)
				}
			}
		})
	}
}

func TestSanitizeTruncates(t *testing.T) {
	res := Sanitize(strings.Repeat("x", 5000))
	if len(res.Text) != 4000 {
		t.Errorf("len = %d, want 4000", len(res.Text))
	}
	if len(res.Issues) != 1 || res.Issues[0] != "truncated_to_4000" {
		t.Errorf("issues = %v, want [truncated_to_4000]", res.Issues)
	}
}

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator([]string{"secret-1", "secret-2"}, true)
	if !a.Verify("secret-2") {
		t.Error("valid key rejected")
	}
	if a.Verify("wrong") {
		t.Error("invalid key accepted")
	}
	if a.Verify("") {
		t.Error("empty key accepted")
	}

	open := NewAuthenticator(nil, false)
	if !open.Verify("anything") {
		t.Error("auth-disabled authenticator should accept any key")
	}
}
