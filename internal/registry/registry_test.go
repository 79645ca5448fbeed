package registry

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func mustCreateInstance(t *testing.T, r *Registry, name string, port int) *Instance {
	t.Helper()
	inst, err := r.CreateInstance(CreateInstanceParams{
		Name: name, Port: port, ConfigPath: "/tmp/cfg.toml", WorkspaceDir: "/tmp/ws",
	})
	if err != nil {
		t.Fatalf("CreateInstance(%s): %v", name, err)
	}
	return inst
}

func TestCreateInstanceRejectsInvalidName(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateInstance(CreateInstanceParams{Name: "-bad", Port: 18800}); err != ErrInvalidName {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
}

func TestCreateInstanceUniqueNameAndPort(t *testing.T) {
	r := newTestRegistry(t)
	mustCreateInstance(t, r, "agent-a", 18801)

	if _, err := r.CreateInstance(CreateInstanceParams{Name: "agent-a", Port: 18802}); err != ErrConflict {
		t.Fatalf("duplicate name: err = %v, want ErrConflict", err)
	}
	if _, err := r.CreateInstance(CreateInstanceParams{Name: "agent-b", Port: 18801}); err != ErrConflict {
		t.Fatalf("duplicate port: err = %v, want ErrConflict", err)
	}
}

func TestArchiveThenRecreateSameNameSucceeds(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	if err := r.Archive(a.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := r.CreateInstance(CreateInstanceParams{Name: "agent-a", Port: 18801}); err != nil {
		t.Fatalf("recreate after archive: %v", err)
	}
}

func TestMessageEventsAppendOnly(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)

	m, err := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: time.Hour, MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	_, err = r.writeDB.Exec(`UPDATE message_events SET kind = 'tampered' WHERE message_id = ?`, m.ID)
	if err == nil {
		t.Fatalf("expected UPDATE on message_events to fail")
	}
	if got := err.Error(); !containsAppendOnly(got) {
		t.Fatalf("error = %q, want it to mention append-only", got)
	}

	_, err = r.writeDB.Exec(`DELETE FROM message_events WHERE message_id = ?`, m.ID)
	if err == nil {
		t.Fatalf("expected DELETE on message_events to fail")
	}
}

func containsAppendOnly(s string) bool {
	for i := 0; i+len("append-only") <= len(s); i++ {
		if s[i:i+len("append-only")] == "append-only" {
			return true
		}
	}
	return false
}

func TestEnqueueMessageRecordsCreatedAndQueuedEvents(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)

	m, err := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: time.Hour, MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	events, err := r.ListMessageEvents(m.ID)
	if err != nil {
		t.Fatalf("ListMessageEvents: %v", err)
	}
	if len(events) != 2 || events[0].Kind != EvtCreated || events[1].Kind != EvtQueued {
		t.Fatalf("events = %+v, want [created queued]", events)
	}
}

func TestFindIdempotentReturnsExistingWithinWindow(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)

	m, err := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: time.Hour, MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	found, err := r.FindIdempotent("k1", a.Name)
	if err != nil {
		t.Fatalf("FindIdempotent: %v", err)
	}
	if found == nil || found.ID != m.ID {
		t.Fatalf("found = %+v, want id %s", found, m.ID)
	}
}

func TestLeaseMessagesClaimsAndHidesFromSecondLease(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)
	r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: time.Hour, MaxRetries: 5,
	})

	leased, err := r.LeaseMessages(10, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("LeaseMessages: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("leased = %d, want 1", len(leased))
	}

	again, err := r.LeaseMessages(10, "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("LeaseMessages (2nd): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second lease claimed %d messages, want 0", len(again))
	}
}

func TestAcknowledgeRequiresDelivered(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)
	m, _ := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: time.Hour, MaxRetries: 5,
	})

	if err := r.Acknowledge(m.ID); err != ErrInvalidTransition {
		t.Fatalf("ack on queued: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := r.LeaseMessages(10, "w1", 30*time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := r.MarkDelivered(m.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := r.Acknowledge(m.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
}

func TestReplayOnlyFromDeadLetter(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)
	m, _ := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: time.Hour, MaxRetries: 5,
	})

	if err := r.Replay(m.ID, 5*time.Minute, 24*time.Hour, time.Hour); err != ErrInvalidTransition {
		t.Fatalf("replay on queued: err = %v, want ErrInvalidTransition", err)
	}

	if err := r.RecordDeliveryFailure(m.ID, time.Now(), true, "boom"); err != nil {
		t.Fatalf("RecordDeliveryFailure: %v", err)
	}
	if err := r.Replay(m.ID, 5*time.Minute, 24*time.Hour, time.Hour); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	got, err := r.GetMessage(m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != MsgQueued || got.RetryCount != 0 {
		t.Fatalf("got = %+v, want status=queued retry_count=0", got)
	}
}

func TestSweepExpiredQueuedDeadLettersPastTTL(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)
	m, _ := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "k1", TTL: -time.Second, MaxRetries: 5,
	})

	n, err := r.SweepExpiredQueued()
	if err != nil {
		t.Fatalf("SweepExpiredQueued: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	got, _ := r.GetMessage(m.ID)
	if got.Status != MsgDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
}

func TestEnqueueMessageDeduplicatesSameIdempotencyKey(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreateInstance(t, r, "agent-a", 18801)
	b := mustCreateInstance(t, r, "agent-b", 18802)

	first, err := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "dup-key", TTL: time.Hour, MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("first EnqueueMessage: %v", err)
	}

	second, err := r.EnqueueMessage(EnqueueParams{
		FromInstance: a.Name, ToInstance: b.Name, Type: "task.handoff",
		Payload: "{}", IdempotencyKey: "dup-key", TTL: time.Hour, MaxRetries: 5,
	})
	if !errors.Is(err, ErrIdempotentReplay) {
		t.Fatalf("second EnqueueMessage err = %v, want ErrIdempotentReplay", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("second = %+v, want id %s", second, first.ID)
	}

	list, err := r.ListMessages(a.Name, "", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("stored messages = %d, want 1 (no duplicate row)", len(list))
	}
}

func TestRoutingRuleMatchesWildcardType(t *testing.T) {
	rule := RoutingRule{FromPattern: "a", ToPattern: "b", TypePattern: "task.*"}
	if !rule.Matches("a", "b", "task.handoff") {
		t.Fatalf("expected wildcard match")
	}
	if rule.Matches("a", "b", "other.thing") {
		t.Fatalf("expected no match for unrelated type")
	}
}

var _ = sql.ErrNoRows
