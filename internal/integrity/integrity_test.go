package integrity

import (
	"strings"
	"testing"
)

func TestDigest_Deterministic(t *testing.T) {
	payload := []byte(`[{"ph":"B","ts":1,"pid":1,"tid":1,"name":"a"}]`)

	d1 := Digest(payload)
	d2 := Digest(payload)

	if d1 != d2 {
		t.Fatalf("digest not deterministic: %q != %q", d1, d2)
	}
	if !strings.HasPrefix(d1, "v1:") {
		t.Fatalf("digest missing version prefix: %q", d1)
	}
	if len(d1) != len("v1:")+64 {
		t.Fatalf("expected 64-char hex SHA-256 after prefix, got %d chars", len(d1)-len("v1:"))
	}
}

func TestDigest_DifferentPayloads(t *testing.T) {
	d1 := Digest([]byte(`[]`))
	d2 := Digest([]byte(`[ ]`))

	if d1 == d2 {
		t.Fatal("different payloads should produce different digests")
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"traceEvents":[]}`)
	stored := Digest(payload)

	if !Verify(stored, payload) {
		t.Fatal("verification should succeed for matching payload")
	}
	if Verify(stored, []byte(`{"traceEvents":[1]}`)) {
		t.Fatal("verification should fail for a different payload")
	}
	if Verify("v9:deadbeef", payload) {
		t.Fatal("unknown digest versions should never verify")
	}
}
