package wire

// Status is the outcome of a single call to Parse.
type Status int

const (
	// ReadMore means buf does not yet contain a complete message; the
	// caller should read more bytes and call Parse again once it has.
	ReadMore Status = iota
	// Success means exactly one PUBLISH was extracted; Payload is valid
	// until the next call that consumes bytes from buf.
	Success
	// Skipped means a non-PUBLISH message was consumed and discarded.
	// CONNACK/SUBACK arriving outside the initial handshake, or any other
	// spurious server-initiated frame, is tolerated this way.
	Skipped
	// Error means buf's head is malformed; the caller should disconnect.
	Error
)

// Result carries the outcome of one Parse call.
type Result struct {
	Status  Status
	Topic   string
	Payload []byte
	// Consumed is the number of bytes at the head of buf that this call
	// determined are no longer needed, valid for Success and Skipped.
	Consumed int
}

// Parse attempts to extract one message from the head of buf. It never
// retains a reference to buf past the call, but the returned Payload is a
// slice into buf and must be consumed by the caller before the next read
// moves the underlying accumulator; Topic is a copy.
//
// Parse is restartable: calling it repeatedly with a buffer that has only
// grown a few bytes at a time produces the same sequence of outcomes as
// calling it once a full message is present.
func Parse(buf []byte) Result {
	if len(buf) < 1 {
		return Result{Status: ReadMore}
	}

	packetType := buf[0] & typeMask
	value, lengthBytes, ok, overflow := decodeLength(buf[1:])
	if overflow {
		return Result{Status: Error}
	}
	if !ok {
		return Result{Status: ReadMore}
	}

	total := 1 + lengthBytes + value
	if len(buf) < total {
		return Result{Status: ReadMore}
	}

	body := buf[1+lengthBytes : total]
	if packetType != typePublish {
		return Result{Status: Skipped, Consumed: total}
	}

	topic, payload, err := decodePublishBody(body)
	if err != nil {
		return Result{Status: Error}
	}
	return Result{
		Status:   Success,
		Topic:    topic,
		Payload:  payload,
		Consumed: total,
	}
}
