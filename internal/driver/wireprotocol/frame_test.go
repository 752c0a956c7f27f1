package wireprotocol

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLength)
	h, err := WrapHeader(buf)
	if err != nil {
		t.Fatalf("WrapHeader: %v", err)
	}
	h.SetFrameLength(128)
	h.SetVersion(Version)
	h.SetFlags(FlagBegin | FlagEnd)
	h.SetType(TypeData)
	h.SetTermOffset(64)
	h.SetSessionID(7)
	h.SetStreamID(9)
	h.SetTermID(3)

	if h.FrameLength() != 128 || h.Version() != Version || h.Flags() != FlagBegin|FlagEnd ||
		h.Type() != TypeData || h.TermOffset() != 64 || h.SessionID() != 7 ||
		h.StreamID() != 9 || h.TermID() != 3 {
		t.Fatalf("round trip mismatch: %+v", buf)
	}
}

func TestDataFramePayload(t *testing.T) {
	buf := make([]byte, HeaderLength+16)
	df, err := WrapDataFrame(buf)
	if err != nil {
		t.Fatalf("WrapDataFrame: %v", err)
	}
	df.SetReserved(0)
	copy(df.Payload(int32(len(buf))), []byte("hello world!!!!!"))
	if string(df.Payload(int32(len(buf)))[:11]) != "hello world" {
		t.Fatalf("payload mismatch: %q", df.Payload(int32(len(buf))))
	}
}

func TestNAKFrame(t *testing.T) {
	buf := make([]byte, HeaderLength+8)
	n, err := WrapNAKFrame(buf)
	if err != nil {
		t.Fatalf("WrapNAKFrame: %v", err)
	}
	n.SetTermOffsetStart(256)
	n.SetLength(64)
	if n.TermOffsetStart() != 256 || n.Length() != 64 {
		t.Fatalf("NAK mismatch")
	}
}

func TestSMFrame(t *testing.T) {
	buf := make([]byte, SMFrameLength)
	s, err := WrapSMFrame(buf)
	if err != nil {
		t.Fatalf("WrapSMFrame: %v", err)
	}
	s.SetConsumptionTermID(5)
	s.SetConsumptionTermOffset(1024)
	s.SetReceiverWindow(65536)
	if s.ConsumptionTermID() != 5 || s.ConsumptionTermOffset() != 1024 || s.ReceiverWindow() != 65536 {
		t.Fatalf("SM mismatch")
	}
}

func TestSetupFrame(t *testing.T) {
	buf := make([]byte, SetupFrameLength)
	s, err := WrapSetupFrame(buf)
	if err != nil {
		t.Fatalf("WrapSetupFrame: %v", err)
	}
	s.SetInitialTermID(1)
	s.SetActiveTermID(1)
	s.SetTermLength(1 << 20)
	s.SetMTULength(1408)
	if s.InitialTermID() != 1 || s.ActiveTermID() != 1 || s.TermLength() != 1<<20 || s.MTULength() != 1408 {
		t.Fatalf("setup mismatch")
	}
}

func TestAlign(t *testing.T) {
	cases := map[int32]int32{0: 0, 1: 32, 32: 32, 33: 64, 63: 64, 64: 64}
	for in, want := range cases {
		if got := Align(in); got != want {
			t.Errorf("Align(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestWrapHeaderTooShort(t *testing.T) {
	if _, err := WrapHeader(make([]byte, 4)); err != ErrFrameTooShort {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
}
