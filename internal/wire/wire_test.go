package wire

import (
	"bytes"
	"testing"
)

func TestEncodeLengthRoundTrip(t *testing.T) {
	cases := []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, MaxRemainingLength}
	for _, n := range cases {
		enc, err := EncodeLength(nil, n)
		if err != nil {
			t.Fatalf("EncodeLength(%d): %v", n, err)
		}
		value, consumed, ok, overflow := decodeLength(enc)
		if overflow || !ok {
			t.Fatalf("decodeLength(%x) ok=%v overflow=%v", enc, ok, overflow)
		}
		if value != n {
			t.Errorf("round trip n=%d got %d", n, value)
		}
		if consumed != len(enc) {
			t.Errorf("n=%d consumed %d, want %d", n, consumed, len(enc))
		}
	}
}

func TestEncodeLengthOverflowRejected(t *testing.T) {
	if _, err := EncodeLength(nil, MaxRemainingLength+1); err == nil {
		t.Fatal("expected error encoding 268435456")
	}
}

func TestDecodeLengthReadMore(t *testing.T) {
	// Continuation bit set on every byte so far: not yet complete.
	_, _, ok, overflow := decodeLength([]byte{0x80, 0x80})
	if ok || overflow {
		t.Fatalf("expected ReadMore, got ok=%v overflow=%v", ok, overflow)
	}
}

func TestDecodeLengthOverflow(t *testing.T) {
	_, _, _, overflow := decodeLength([]byte{0x80, 0x80, 0x80, 0x80, 0x01})
	if !overflow {
		t.Fatal("expected overflow on a five-byte varint")
	}
}

// S1 from the bridge's test plan: ingress buffer bytes 30 06 00 01 61 00 01 62
// decode to one publish with topic "a" and payload "\x00\x01b".
func TestParseScenarioS1(t *testing.T) {
	buf := []byte{0x30, 0x06, 0x00, 0x01, 'a', 0x00, 0x01, 'b'}
	r := Parse(buf)
	if r.Status != Success {
		t.Fatalf("status = %v, want Success", r.Status)
	}
	if r.Topic != "a" {
		t.Errorf("topic = %q, want %q", r.Topic, "a")
	}
	if !bytes.Equal(r.Payload, []byte{0x00, 0x01, 'b'}) {
		t.Errorf("payload = %v, want [0 1 98]", r.Payload)
	}
	if r.Consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", r.Consumed, len(buf))
	}
}

// S2: a CONNACK Skipped followed by one publish (topic x, payload y).
func TestParseScenarioS2(t *testing.T) {
	buf := []byte{0x20, 0x02, 0x00, 0x00, 0x30, 0x04, 0x00, 0x01, 'x', 'y'}

	r1 := Parse(buf)
	if r1.Status != Skipped {
		t.Fatalf("first message status = %v, want Skipped", r1.Status)
	}
	buf = buf[r1.Consumed:]

	r2 := Parse(buf)
	if r2.Status != Success {
		t.Fatalf("second message status = %v, want Success", r2.Status)
	}
	if r2.Topic != "x" || string(r2.Payload) != "y" {
		t.Errorf("got topic=%q payload=%q, want x/y", r2.Topic, r2.Payload)
	}
}

// S4: WRITE on /a/b with bytes HELLO results in a PUBLISH frame with fixed
// byte 0x30, remaining-length 0x0a (2-byte topic length + 3 + 5), topic
// length 0x00 0x03, topic "a/b", payload HELLO.
func TestEncodePublishScenarioS4(t *testing.T) {
	got, err := EncodePublish("a/b", []byte("HELLO"))
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}
	want := []byte{0x30, 0x0a, 0x00, 0x03, 'a', '/', 'b', 'H', 'E', 'L', 'L', 'O'}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestEncodePingReq(t *testing.T) {
	if got, want := EncodePingReq(), []byte{0xD0, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

// Property 7: feeding any split of a well-formed stream of publishes one
// byte at a time yields the same sequence of (topic, payload) as feeding it
// whole.
func TestParseIngressRestart(t *testing.T) {
	p1, _ := EncodePublish("home/room/temp", []byte("22.5"))
	p2, _ := EncodePublish("a", []byte{})
	stream := append(append([]byte{}, p1...), p2...)

	type event struct {
		topic   string
		payload string
	}
	collect := func(feed func(yield func([]byte) int)) []event {
		var events []event
		var acc []byte
		yield := func(chunk []byte) int {
			acc = append(acc, chunk...)
			for {
				r := Parse(acc)
				switch r.Status {
				case Success:
					events = append(events, event{r.Topic, string(r.Payload)})
					acc = acc[r.Consumed:]
				case Skipped:
					acc = acc[r.Consumed:]
				default:
					return len(chunk)
				}
			}
		}
		feed(yield)
		return events
	}

	whole := collect(func(yield func([]byte) int) { yield(stream) })
	oneAtATime := collect(func(yield func([]byte) int) {
		for i := range stream {
			yield(stream[i : i+1])
		}
	})

	if len(whole) != 2 || len(oneAtATime) != 2 {
		t.Fatalf("whole=%v oneAtATime=%v", whole, oneAtATime)
	}
	for i := range whole {
		if whole[i] != oneAtATime[i] {
			t.Errorf("event %d differs: whole=%v byte-at-a-time=%v", i, whole[i], oneAtATime[i])
		}
	}
	if whole[0] != (event{"home/room/temp", "22.5"}) {
		t.Errorf("unexpected first event: %v", whole[0])
	}
}

func TestParseMalformedPublish(t *testing.T) {
	// Declares remaining length 1 but a PUBLISH body needs at least a
	// 2-byte topic length prefix.
	buf := []byte{0x30, 0x01, 0x00}
	if r := Parse(buf); r.Status != Error {
		t.Errorf("status = %v, want Error", r.Status)
	}
}
