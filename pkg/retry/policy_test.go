package retry

import (
	"context"
	"testing"
	"time"

	"gphotosync/pkg/gphotos"
)

func transientErr() error {
	return gphotos.NewAPIError(gphotos.CodeTransient, gphotos.OpUploadMediaData, "RESOURCE_EXHAUSTED")
}

func TestBackoffAdvisesRetryForTransient(t *testing.T) {
	backoff := NewBackoff(3)
	delay, retry := backoff.Advise(transientErr())
	if !retry {
		t.Fatalf("transient error should be retried")
	}
	if delay <= 0 {
		t.Fatalf("expected positive delay, got %v", delay)
	}
}

func TestBackoffScheduleGrowsAndResets(t *testing.T) {
	backoff := NewBackoff(10)
	first, _ := backoff.Advise(transientErr())
	second, _ := backoff.Advise(transientErr())
	if second <= first {
		t.Fatalf("schedule should grow: %v then %v", first, second)
	}
	backoff.Reset()
	again, _ := backoff.Advise(transientErr())
	if again != first {
		t.Fatalf("schedule should reset after success: %v vs %v", again, first)
	}
}

func TestBackoffBudgetExhaustion(t *testing.T) {
	backoff := NewBackoff(2)
	if _, retry := backoff.Advise(transientErr()); !retry {
		t.Fatalf("first retry should be allowed")
	}
	if _, retry := backoff.Advise(transientErr()); !retry {
		t.Fatalf("second retry should be allowed")
	}
	if _, retry := backoff.Advise(transientErr()); retry {
		t.Fatalf("budget exhaustion should stop retries")
	}
}

func TestBackoffIgnoresPermanentErrors(t *testing.T) {
	backoff := NewBackoff(3)
	err := gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpCreateMediaItem, "rejected")
	if _, retry := backoff.Advise(err); retry {
		t.Fatalf("permanent error must not be retried")
	}
}

func TestInvalidMediaItemPolicy(t *testing.T) {
	var policy InvalidMediaItem
	cases := []struct {
		err  error
		want bool
	}{
		{gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpCreateMediaItem, ""), true},
		{gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpUploadMediaData, ""), true},
		{gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpCreateAlbum, ""), false},
		{gphotos.NewAPIError(gphotos.CodeTransient, gphotos.OpCreateMediaItem, ""), false},
		{gphotos.NewAPIError(gphotos.CodeNoAlbumPermission, gphotos.OpCreateMediaItem, ""), false},
	}
	for i, c := range cases {
		if policy.Permanent(c.err) != c.want {
			t.Fatalf("case %d: want %v for %v", i, c.want, c.err)
		}
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatalf("expected context error")
	}
}
