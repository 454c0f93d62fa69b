package document

import "testing"

func TestDocumentSetGet(t *testing.T) {
	doc := New()
	doc.Set("name", "test")
	doc.Set("age", int64(30))
	doc.Set("active", true)
	doc.Set("score", 3.14)

	v, ok := doc.Get("name")
	if !ok || v != "test" {
		t.Errorf("expected name=test, got %v", v)
	}
	v, ok = doc.Get("age")
	if !ok || v != int64(30) {
		t.Errorf("expected age=30, got %v", v)
	}
	v, ok = doc.Get("active")
	if !ok || v != true {
		t.Errorf("expected active=true, got %v", v)
	}
	v, ok = doc.Get("score")
	if !ok || v != 3.14 {
		t.Errorf("expected score=3.14, got %v", v)
	}
}

func TestDocumentUpdate(t *testing.T) {
	doc := New()
	doc.Set("name", "original")
	doc.Set("name", "updated")

	v, ok := doc.Get("name")
	if !ok || v != "updated" {
		t.Errorf("expected name=updated, got %v", v)
	}
	if len(doc.Fields) != 1 {
		t.Errorf("expected 1 field, got %d", len(doc.Fields))
	}
}

func TestDocumentEncodeDecodeRoundTrip(t *testing.T) {
	doc := New()
	doc.Set("make", "Subaru")
	doc.Set("year", int32(2019))
	doc.Set("mileage", int64(58210))
	doc.Set("price", float32(18250.5))
	doc.Set("rating", 4.7)
	doc.Set("certified", true)

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	cases := []struct {
		name string
		want interface{}
	}{
		{"make", "Subaru"},
		{"year", int32(2019)},
		{"mileage", int64(58210)},
		{"price", float32(18250.5)},
		{"rating", 4.7},
		{"certified", true},
	}
	for _, c := range cases {
		v, ok := decoded.Get(c.name)
		if !ok {
			t.Errorf("expected field %q to be present", c.name)
			continue
		}
		if v != c.want {
			t.Errorf("field %q: expected %v (%T), got %v (%T)", c.name, c.want, c.want, v, v)
		}
	}
}

func TestDocumentDecodeUnknownTag(t *testing.T) {
	doc := New()
	doc.Set("x", int32(1))
	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	// Corrupt the type tag byte (name "x" is 1 byte, tag follows at offset 3).
	encoded[3] = 0x7F

	if _, err := Decode(encoded); err == nil {
		t.Fatal("expected decode to fail on unknown type tag")
	}
}

func TestDocumentFieldOrderPreserved(t *testing.T) {
	doc := New()
	doc.Set("c", int32(3))
	doc.Set("a", int32(1))
	doc.Set("b", int32(2))

	want := []string{"c", "a", "b"}
	for i, f := range doc.Fields {
		if f.Name != want[i] {
			t.Errorf("field %d: expected %q, got %q", i, want[i], f.Name)
		}
	}
}
