package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/4xmen/chatpat/internal/protocol"
)

func ring(t *testing.T, f *fixture, caller, receiver int) string {
	t.Helper()
	id, err := f.hub.Calls.Initiate(context.Background(), caller, &protocol.InitiateCallEvent{
		ReceiverID: receiver,
		CallType:   protocol.CallVideo,
		CallerInfo: &protocol.PeerInfo{Username: "caller"},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if id == "" {
		t.Fatal("call was not created")
	}
	return id
}

func TestCallToOfflineUser(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn := f.online(t, alice)

	id, err := f.hub.Calls.Initiate(context.Background(), alice, &protocol.InitiateCallEvent{
		ReceiverID: bob,
		CallType:   protocol.CallAudio,
	})
	if err != nil || id != "" {
		t.Fatalf("got %q, %v", id, err)
	}
	p := aliceConn.only(t, protocol.CallFailed).Data.(protocol.CallFailedPayload)
	if p.Reason != ReasonOffline {
		t.Fatalf("reason = %q", p.Reason)
	}
	if _, ok := f.hub.Calls.Active(alice); ok {
		t.Fatal("a session exists for a failed call")
	}
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn, bobConn := f.online(t, alice), f.online(t, bob)
	ctx := context.Background()

	id := ring(t, f, alice, bob)
	in := bobConn.only(t, protocol.IncomingCall).Data.(protocol.IncomingCallPayload)
	if in.CallID != id || in.CallerID != alice || in.CallerName != "caller" || in.CallType != protocol.CallVideo {
		t.Fatalf("incoming_call = %+v", in)
	}

	if err := f.hub.Calls.Accept(ctx, bob, &protocol.AcceptCallEvent{CallerID: alice, CallID: id}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	acc := aliceConn.only(t, protocol.CallAccepted).Data.(protocol.CallAcceptedPayload)
	if acc.CallID != id || acc.CallerName != "bob" {
		t.Fatalf("call_accepted = %+v", acc)
	}

	offer := json.RawMessage(`{"sdp":"v=0","type":"offer"}`)
	if err := f.hub.Calls.Relay(alice, &protocol.SignalEvent{Kind: protocol.WebRTCOffer, ReceiverID: bob, CallID: id, Offer: offer}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	sig := bobConn.only(t, protocol.WebRTCOffer).Data.(protocol.SignalPayload)
	if sig.SenderID != alice || string(sig.Offer) != string(offer) {
		t.Fatalf("relayed offer = %+v", sig)
	}

	answer := json.RawMessage(`{"sdp":"v=0","type":"answer"}`)
	if err := f.hub.Calls.Relay(bob, &protocol.SignalEvent{Kind: protocol.WebRTCAnswer, ReceiverID: alice, CallID: id, Answer: answer}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if s, _ := f.hub.Calls.Active(alice); s.State != CallConnected {
		t.Fatalf("state = %s, want connected", s.State)
	}

	if err := f.hub.Calls.End(bob, &protocol.EndCallEvent{CallID: id, ParticipantID: alice}); err != nil {
		t.Fatalf("end: %v", err)
	}
	aliceConn.only(t, protocol.CallEnded)
	if _, ok := f.hub.Calls.Active(alice); ok {
		t.Fatal("session survived end_call")
	}
}

func TestCallRejectsStaleAndForeignEvents(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob, eve := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "eve")
	f.online(t, alice)
	f.online(t, bob)
	f.online(t, eve)
	ctx := context.Background()
	id := ring(t, f, alice, bob)

	tests := []struct {
		name string
		run  func() error
	}{
		{"unknown call id", func() error {
			return f.hub.Calls.Accept(ctx, bob, &protocol.AcceptCallEvent{CallerID: alice, CallID: "nope"})
		}},
		{"accept by outsider", func() error {
			return f.hub.Calls.Accept(ctx, eve, &protocol.AcceptCallEvent{CallerID: alice, CallID: id})
		}},
		{"reject by caller", func() error {
			return f.hub.Calls.Reject(alice, &protocol.RejectCallEvent{CallerID: alice, CallID: id})
		}},
		{"signal before accept", func() error {
			return f.hub.Calls.Relay(alice, &protocol.SignalEvent{Kind: protocol.WebRTCOffer, ReceiverID: bob, CallID: id, Offer: json.RawMessage(`{}`)})
		}},
		{"end by outsider", func() error {
			return f.hub.Calls.End(eve, &protocol.EndCallEvent{CallID: id, ParticipantID: alice})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, ErrStaleCall) {
				t.Fatalf("err = %v, want stale call", err)
			}
		})
	}
	if s, ok := f.hub.Calls.Active(bob); !ok || s.State != CallRinging {
		t.Fatal("rejected events changed the ringing call")
	}
}

func TestCallBusy(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	f.online(t, alice)
	bobConn, carolConn := f.online(t, bob), f.online(t, carol)
	ring(t, f, alice, bob)
	bobConn.reset()

	id, err := f.hub.Calls.Initiate(context.Background(), carol, &protocol.InitiateCallEvent{ReceiverID: bob, CallType: protocol.CallAudio})
	if err != nil || id != "" {
		t.Fatalf("got %q, %v", id, err)
	}
	if p := carolConn.only(t, protocol.CallFailed).Data.(protocol.CallFailedPayload); p.Reason != ReasonBusy {
		t.Fatalf("reason = %q", p.Reason)
	}
	bobConn.none(t, protocol.IncomingCall)
}

func TestCallReject(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn := f.online(t, alice)
	f.online(t, bob)
	id := ring(t, f, alice, bob)

	if err := f.hub.Calls.Reject(bob, &protocol.RejectCallEvent{CallerID: alice, CallID: id}); err != nil {
		t.Fatal(err)
	}
	if p := aliceConn.only(t, protocol.CallRejected).Data.(protocol.CallRejectedPayload); p.CallID != id {
		t.Fatalf("call_rejected = %+v", p)
	}
	if _, ok := f.hub.Calls.Active(alice); ok {
		t.Fatal("session survived reject")
	}
}

func TestCallRingTimeout(t *testing.T) {
	f := newFixture(t, HubConfig{RingTimeout: 30 * time.Millisecond})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn, bobConn := f.online(t, alice), f.online(t, bob)
	id := ring(t, f, alice, bob)

	eventually(t, time.Second, func() bool { return len(aliceConn.of(protocol.CallEnded)) == 1 })
	for _, c := range []*fakeConn{aliceConn, bobConn} {
		p := c.only(t, protocol.CallEnded).Data.(protocol.CallEndedPayload)
		if p.CallID != id || p.Reason != ReasonTimeout {
			t.Fatalf("%s call_ended = %+v", c.ID(), p)
		}
	}
}

func TestAcceptedCallDoesNotTimeOut(t *testing.T) {
	f := newFixture(t, HubConfig{RingTimeout: 30 * time.Millisecond})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn := f.online(t, alice)
	f.online(t, bob)
	id := ring(t, f, alice, bob)

	if err := f.hub.Calls.Accept(context.Background(), bob, &protocol.AcceptCallEvent{CallerID: alice, CallID: id}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	aliceConn.none(t, protocol.CallEnded)
}

func TestDisconnectEndsCall(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn, bobConn := f.online(t, alice), f.online(t, bob)
	id := ring(t, f, alice, bob)

	f.hub.Disconnect(context.Background(), bob, bobConn.ID())

	p := aliceConn.only(t, protocol.CallEnded).Data.(protocol.CallEndedPayload)
	if p.CallID != id || p.Reason != ReasonDisconnected {
		t.Fatalf("call_ended = %+v", p)
	}
	if _, ok := f.hub.Calls.Active(alice); ok {
		t.Fatal("session survived disconnect")
	}
}
