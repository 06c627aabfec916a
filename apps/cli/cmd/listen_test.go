package cmd

import (
	"fmt"
	"testing"
)

func TestListenCommandNoRelayFlag(t *testing.T) {
	flag := listenCmd.Flags().Lookup("no-relay")
	if flag == nil {
		t.Fatalf("expected --no-relay flag to be registered")
	}

	noRelay, err := listenCmd.Flags().GetBool("no-relay")
	if err != nil {
		t.Fatalf("GetBool(no-relay) returned error: %v", err)
	}
	if noRelay {
		t.Fatalf("expected --no-relay default to false")
	}
}

func TestListenCommandMetricsFlagBound(t *testing.T) {
	if err := listenCmd.Flags().Set("metrics-addr", ":9100"); err != nil {
		t.Fatalf("set metrics-addr: %v", err)
	}
	t.Cleanup(func() { _ = listenCmd.Flags().Set("metrics-addr", "") })

	if got := v.GetString("metrics.addr"); got != ":9100" {
		t.Fatalf("expected metrics.addr bound to flag, got %q", got)
	}
}

func TestMessageDeduper(t *testing.T) {
	isDuplicate, clearDedup := newMessageDeduper()

	if isDuplicate("msg-1") {
		t.Fatalf("first message id should not be duplicate")
	}
	if !isDuplicate("msg-1") {
		t.Fatalf("second message id should be duplicate")
	}
	if isDuplicate("") {
		t.Fatalf("messages without an id are never duplicates")
	}

	clearDedup()

	if isDuplicate("msg-1") {
		t.Fatalf("message id should be new again after clear")
	}
}

func TestMessageDeduperIsBounded(t *testing.T) {
	isDuplicate, _ := newMessageDeduper()

	for i := 0; i < maxDedupIDs; i++ {
		isDuplicate(fmt.Sprintf("msg-%d", i))
	}
	if !isDuplicate("msg-0") {
		t.Fatalf("ids up to the limit should be remembered")
	}
	if isDuplicate("msg-overflow") {
		t.Fatalf("new id should not be duplicate")
	}
	if isDuplicate("msg-0") {
		t.Fatalf("ids should be forgotten once the limit is reached")
	}
}
