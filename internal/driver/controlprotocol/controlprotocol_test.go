package controlprotocol

import "testing"

func TestAddPublicationRoundTrip(t *testing.T) {
	cmd := AddPublicationCommand{CorrelationID: 42, StreamID: 7, Channel: "udp://239.1.1.1:4000"}
	got, err := DecodeAddPublicationCommand(cmd.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != cmd {
		t.Fatalf("round trip = %+v, want %+v", got, cmd)
	}
}

func TestRemoveSubscriptionRoundTrip(t *testing.T) {
	cmd := RemoveSubscriptionCommand{CorrelationID: 5, RegistrationID: 99}
	got, err := DecodeRemoveSubscriptionCommand(cmd.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != cmd {
		t.Fatalf("round trip = %+v, want %+v", got, cmd)
	}
}

func TestPublicationReadyEventRoundTrip(t *testing.T) {
	ev := PublicationReadyEvent{CorrelationID: 42, RegistrationID: 1, SessionID: 55, StreamID: 7, LogFileName: "/var/run/mediadriver/publications/udp-239-1-1-1-4000/55-7"}
	got, err := DecodePublicationReadyEvent(ev.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev {
		t.Fatalf("round trip = %+v, want %+v", got, ev)
	}
}

func TestErrorResponseEventRoundTrip(t *testing.T) {
	ev := ErrorResponseEvent{OffendingCorrelationID: 42, Code: PublicationChannelAlreadyExists, Message: "channel in use"}
	got, err := DecodeErrorResponseEvent(ev.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev {
		t.Fatalf("round trip = %+v, want %+v", got, ev)
	}
}

func TestDecodeEventDispatchesDisjointly(t *testing.T) {
	success := OperationSucceededEvent{CorrelationID: 42}
	decoded, err := DecodeEvent(OperationSucceeded, success.Encode())
	if err != nil {
		t.Fatalf("decode OperationSucceeded: %v", err)
	}
	if _, ok := decoded.(OperationSucceededEvent); !ok {
		t.Fatalf("expected OperationSucceededEvent, got %T", decoded)
	}

	failure := ErrorResponseEvent{OffendingCorrelationID: 42, Code: GenericErrorMessage, Message: "boom"}
	decoded, err = DecodeEvent(ErrorResponse, failure.Encode())
	if err != nil {
		t.Fatalf("decode ErrorResponse: %v", err)
	}
	if _, ok := decoded.(ErrorResponseEvent); !ok {
		t.Fatalf("expected ErrorResponseEvent, got %T", decoded)
	}
}

func TestDecodeEventUnknownType(t *testing.T) {
	if _, err := DecodeEvent(MsgType(9999), nil); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for unknown msg type, got %v", err)
	}
}
