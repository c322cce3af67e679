package bunmap

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewObjectID(t *testing.T) {
	a := NewObjectID()
	b := NewObjectID()

	if a.IsZero() || b.IsZero() {
		t.Fatal("fresh identifiers must not be zero")
	}
	if a == b {
		t.Error("two identifiers collided")
	}
	if d := time.Since(a.Timestamp()); d < 0 || d > time.Minute {
		t.Errorf("embedded timestamp off by %v", d)
	}
}

func TestObjectID_HexRoundTrip(t *testing.T) {
	id := NewObjectID()
	hex := id.Hex()
	if len(hex) != 24 {
		t.Fatalf("hex length = %d", len(hex))
	}

	parsed, err := ObjectIDFromHex(hex)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip changed the id: %s != %s", parsed, id)
	}
}

func TestObjectIDFromHex_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "zzzzzzzzzzzzzzzzzzzzzzzz", "0123456789abcdef0123456789abcdef"} {
		if _, err := ObjectIDFromHex(s); err == nil {
			t.Errorf("%q: expected an error", s)
		}
	}
}

func TestObjectIDFromBytes(t *testing.T) {
	id := NewObjectID()
	parsed, err := ObjectIDFromBytes(id[:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Error("round trip changed the id")
	}

	if _, err := ObjectIDFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("short input: expected an error")
	}
}

func TestObjectID_JSON(t *testing.T) {
	id := NewObjectID()
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"`+id.Hex()+`"` {
		t.Errorf("marshal = %s", data)
	}

	var back ObjectID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != id {
		t.Error("round trip changed the id")
	}

	if err := json.Unmarshal([]byte(`"nope"`), &back); err == nil {
		t.Error("bad hex: expected an error")
	}
}
