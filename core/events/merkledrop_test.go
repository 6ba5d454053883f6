package events

import (
	"math/big"
	"strings"
	"testing"

	"merkledrop/crypto"
)

func TestRoundRegisteredEvent(t *testing.T) {
	var distributor [20]byte
	distributor[19] = 0x0d
	var root [32]byte
	root[0] = 0xab

	evt := RoundRegistered{
		Asset:       " drop ",
		Distributor: distributor,
		Round:       7,
		Root:        root,
		Amount:      big.NewInt(9876),
	}.Event()
	if evt.Type != TypeRoundRegistered {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attr("asset") != "DROP" {
		t.Fatalf("unexpected asset attr: %s", evt.Attr("asset"))
	}
	if evt.Attr("round") != "7" || evt.Attr("amount") != "9876" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if !strings.HasPrefix(evt.Attr("root"), "0xab") {
		t.Fatalf("unexpected root attr: %s", evt.Attr("root"))
	}
	if evt.Attr("distributor") != crypto.FormatAddress(distributor) {
		t.Fatalf("unexpected distributor attr: %s", evt.Attr("distributor"))
	}
}

func TestClaimSettledEventNilAmount(t *testing.T) {
	evt := ClaimSettled{Asset: "drop", Round: 1}.Event()
	if evt.Attr("amount") != "0" {
		t.Fatalf("expected zero amount, got %s", evt.Attr("amount"))
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	fan := Fanout{first, nil, second}

	fan.Emit(ClaimSettled{Asset: "DROP", Amount: big.NewInt(1)})
	fan.Emit(CallbackInvoked{Asset: "DROP", Amount: big.NewInt(1)})

	if len(first.Events) != 2 || len(second.Events) != 2 {
		t.Fatalf("expected both recorders to see two events")
	}
	if got := len(first.OfType(TypeCallbackInvoked)); got != 1 {
		t.Fatalf("expected one callback event, got %d", got)
	}
}
