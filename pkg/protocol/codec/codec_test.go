package codec

import "testing"

type sample struct {
    Name  string `json:"name" cbor:"1,keyasint"`
    Count int    `json:"count" cbor:"2,keyasint"`
}

func TestRegistryBuiltins(t *testing.T) {
    r := NewRegistry()
    if r.Get("application/json") == nil {
        t.Fatalf("json codec missing")
    }
    if r.Get("application/cbor") == nil {
        t.Fatalf("cbor codec missing")
    }
    if r.Get("application/x-unknown") != nil {
        t.Fatalf("unknown content type should return nil")
    }
}

func TestRoundtripPerCodec(t *testing.T) {
    r := NewRegistry()
    for _, ct := range []string{"application/json", "application/cbor"} {
        c := r.Get(ct)
        in := sample{Name: "peer", Count: 3}
        b, err := c.Marshal(in)
        if err != nil {
            t.Fatalf("%s marshal: %v", ct, err)
        }
        var out sample
        if err := c.Unmarshal(b, &out); err != nil {
            t.Fatalf("%s unmarshal: %v", ct, err)
        }
        if out != in {
            t.Fatalf("%s roundtrip mismatch: %#v", ct, out)
        }
    }
}

func TestCBORDeterministic(t *testing.T) {
    c := MustCBOR()
    in := sample{Name: "x", Count: 1}
    b1, _ := c.Marshal(in)
    b2, _ := c.Marshal(in)
    if string(b1) != string(b2) {
        t.Fatalf("cbor encoding must be deterministic")
    }
}
