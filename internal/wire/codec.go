package wire

import (
	"encoding/binary"
	"errors"
)

// Fixed first bytes of each packet kind this bridge sends or receives,
// matching the wire table used by this bridge (§4.2): packet type in the
// high nibble, flags in the low nibble.
const (
	typeConnect     byte = 0x10
	typeConnAck     byte = 0x20
	typeSubscribe   byte = 0x82
	typeSubAck      byte = 0x90
	typePublish     byte = 0x30
	typePingReq     byte = 0xD0
	typeDisconnect  byte = 0xE0
	typeMask        byte = 0xF0
	subscribeFilter      = "+/#"
)

// ErrMalformed is returned by decoders when a buffer that is known to
// contain a complete message of the expected kind does not parse.
var ErrMalformed = errors.New("wire: malformed message")

// appendString appends a two-byte big-endian length prefix followed by s.
func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// EncodeConnect encodes a CONNECT packet with a clean session, the given
// keep-alive in seconds, and an empty client id.
func EncodeConnect(keepAliveSeconds uint16) ([]byte, error) {
	var body []byte
	body = appendString(body, "MQTT")
	body = append(body, 4)    // protocol level
	body = append(body, 0x02) // flags: clean session
	body = binary.BigEndian.AppendUint16(body, keepAliveSeconds)
	body = appendString(body, "") // empty client id

	out := []byte{typeConnect}
	out, err := EncodeLength(out, len(body))
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// DecodeConnAck decodes a complete CONNACK body (without the fixed header)
// and returns the broker's return code. A non-zero return code means the
// connection was rejected.
func DecodeConnAck(body []byte) (returnCode byte, err error) {
	if len(body) != 2 {
		return 0, ErrMalformed
	}
	return body[1], nil
}

// EncodeSubscribe encodes a SUBSCRIBE packet for the fixed "+/#" filter at
// QoS 0 with packet id 1.
func EncodeSubscribe() []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, 1) // packet id
	body = appendString(body, subscribeFilter)
	body = append(body, 0) // QoS 0

	out := []byte{typeSubscribe}
	out, _ = EncodeLength(out, len(body))
	return append(out, body...)
}

// DecodeSubAck decodes a complete SUBACK body and returns its return code.
func DecodeSubAck(body []byte) (returnCode byte, err error) {
	if len(body) != 3 {
		return 0, ErrMalformed
	}
	return body[2], nil
}

// EncodePingReq encodes a zero-length PINGREQ packet.
func EncodePingReq() []byte {
	return []byte{typePingReq, 0x00}
}

// EncodeDisconnect encodes a zero-length DISCONNECT packet.
func EncodeDisconnect() []byte {
	return []byte{typeDisconnect, 0x00}
}

// EncodePublish encodes a QoS 0, no-retain, no-dup PUBLISH packet for the
// given topic and payload. Topic must be at most 65535 bytes; the encoded
// message's remaining length must not exceed MaxRemainingLength.
func EncodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, errors.New("wire: topic too long")
	}
	remaining := 2 + len(topic) + len(payload)

	out := []byte{typePublish}
	out, err := EncodeLength(out, remaining)
	if err != nil {
		return nil, err
	}
	out = appendString(out, topic)
	out = append(out, payload...)
	return out, nil
}

// decodePublishBody splits a PUBLISH packet's body (after the fixed header)
// into its topic and payload.
func decodePublishBody(body []byte) (topic string, payload []byte, err error) {
	if len(body) < 2 {
		return "", nil, ErrMalformed
	}
	topicLen := int(binary.BigEndian.Uint16(body))
	if len(body) < 2+topicLen {
		return "", nil, ErrMalformed
	}
	topic = string(body[2 : 2+topicLen])
	payload = body[2+topicLen:]
	return topic, payload, nil
}
