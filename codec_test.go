package durable

import "testing"

func TestMarshalPayload(t *testing.T) {
	b, err := MarshalPayload(nil)
	if err != nil || b != nil {
		t.Fatalf("nil value should marshal to nil payload, got %q, %v", b, err)
	}

	b, err = MarshalPayload(map[string]int{"count": 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"count":3}` {
		t.Fatalf("payload = %q", b)
	}

	if _, err := MarshalPayload(func() {}); err == nil {
		t.Fatal("unserializable values should error")
	}
}

func TestUnmarshalPayload(t *testing.T) {
	var out struct {
		Count int `json:"count"`
	}
	if err := UnmarshalPayload([]byte(`{"count":3}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("count = %d", out.Count)
	}

	out.Count = 7
	if err := UnmarshalPayload(nil, &out); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
	if out.Count != 7 {
		t.Fatal("empty payload should leave the target untouched")
	}
	if err := UnmarshalPayload([]byte(`{`), &out); err == nil {
		t.Fatal("malformed payload should error")
	}
}
