package call

import (
	"context"
	"regexp"
	"testing"
	"time"

	"callbridge/internal/domain"
)

func TestNextCallIDFormat(t *testing.T) {
	r := NewRegistry()
	first := r.NextCallID()
	second := r.NextCallID()

	re := regexp.MustCompile(`^call-0-\d+$`)
	if !re.MatchString(first) {
		t.Errorf("first id = %q", first)
	}
	if !regexp.MustCompile(`^call-1-\d+$`).MatchString(second) {
		t.Errorf("second id = %q", second)
	}
}

func TestRegistryIndexes(t *testing.T) {
	r := NewRegistry()
	r.Insert(&Call{CallRecord: domain.CallRecord{
		CallID: "call-0-1", Token: "tok-1", State: domain.CallStateCreating,
	}})

	if _, err := r.GetByToken("tok-1"); err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if _, err := r.GetByCarrierID("cc-1"); domain.ErrorCodeOf(err) != domain.CodeCallNotFound {
		t.Fatalf("carrier id should not resolve yet: %v", err)
	}

	if err := r.Update("call-0-1", func(c *Call) { c.CarrierCallID = "cc-1" }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	c, err := r.GetByCarrierID("cc-1")
	if err != nil || c.CallID != "call-0-1" {
		t.Fatalf("GetByCarrierID = %v, %v", c, err)
	}

	r.Remove("call-0-1")
	if r.ActiveCount() != 0 {
		t.Error("record survived Remove")
	}
	if _, err := r.GetByToken("tok-1"); domain.ErrorCodeOf(err) != domain.CodeCallNotFound {
		t.Errorf("token index survived Remove: %v", err)
	}
	if _, err := r.GetByCarrierID("cc-1"); domain.ErrorCodeOf(err) != domain.CodeCallNotFound {
		t.Errorf("carrier index survived Remove: %v", err)
	}
}

func TestRegistryTransitionRejectsBackwards(t *testing.T) {
	r := NewRegistry()
	r.Insert(&Call{CallRecord: domain.CallRecord{CallID: "c", State: domain.CallStateIdle}})

	if err := r.Transition("c", domain.CallStateDialing); domain.ErrorCodeOf(err) != domain.CodeInvalidState {
		t.Fatalf("idle -> dialing must fail: %v", err)
	}
	if err := r.Transition("c", domain.CallStateSpeaking); err != nil {
		t.Fatalf("idle -> speaking: %v", err)
	}
}

func TestWaitConnectedUnblocksOnBind(t *testing.T) {
	r := NewRegistry()
	r.Insert(&Call{CallRecord: domain.CallRecord{CallID: "c", State: domain.CallStateDialing}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Update("c", func(c *Call) { c.ChannelBound = true })
		time.Sleep(10 * time.Millisecond)
		_ = r.Update("c", func(c *Call) { c.StreamSID = "MZ1" })
	}()

	if err := r.WaitConnected(context.Background(), "c", time.Second); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
}

func TestWaitConnectedTimesOut(t *testing.T) {
	r := NewRegistry()
	r.Insert(&Call{CallRecord: domain.CallRecord{CallID: "c", State: domain.CallStateDialing}})

	err := r.WaitConnected(context.Background(), "c", 30*time.Millisecond)
	if domain.ErrorCodeOf(err) != domain.CodeCallTimeout {
		t.Fatalf("err = %v, want CallTimeout", err)
	}
}

func TestWaitConnectedSeesHangup(t *testing.T) {
	r := NewRegistry()
	r.Insert(&Call{CallRecord: domain.CallRecord{CallID: "c", State: domain.CallStateDialing}})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Update("c", func(c *Call) { c.HungUp = true })
	}()

	err := r.WaitConnected(context.Background(), "c", time.Second)
	if domain.ErrorCodeOf(err) != domain.CodeCallHungUp {
		t.Fatalf("err = %v, want CallHungUp", err)
	}
}
