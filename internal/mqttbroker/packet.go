package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types handled by the broker.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

// CONNECT flag bits.
const (
	flagCleanSession = 1 << 1
	flagWill         = 1 << 2
	flagWillQoS      = 3 << 3
	flagWillRetain   = 1 << 5
	flagPassword     = 1 << 6
	flagUsername     = 1 << 7
)

var (
	connAckAccepted = []byte{0x20, 0x02, 0x00, 0x00}
	pingResp        = []byte{0xD0, 0x00}
)

type connectPacket struct {
	clientID     string
	keepAlive    uint16
	cleanSession bool
	username     string
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	// Wills imply retained or queued delivery, which this broker never does.
	if flags&(flagWill|flagWillQoS|flagWillRetain) != 0 {
		return connectPacket{}, fmt.Errorf("unsupported connect flags %08b", flags)
	}

	keepAlive, err := rd.readUint16()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}

	pkt := connectPacket{clientID: clientID, keepAlive: keepAlive, cleanSession: flags&flagCleanSession != 0}
	if flags&flagUsername != 0 {
		if pkt.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return pkt, nil
}

// parseTopicList reads the packet id and topic filters of a SUBSCRIBE or
// UNSUBSCRIBE. SUBSCRIBE entries carry a trailing QoS byte.
func parseTopicList(payload []byte, withQoS bool) (uint16, []string, error) {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var topics []string
	for rd.remaining() > 0 {
		topic, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic: %w", err)
		}
		if withQoS {
			qos, err := rd.readByte()
			if err != nil {
				return 0, nil, fmt.Errorf("missing qos byte: %w", err)
			}
			if qos > 2 {
				return 0, nil, fmt.Errorf("invalid qos %d", qos)
			}
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return 0, nil, fmt.Errorf("no topics in packet")
	}
	return packetID, topics, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return PublishMessage{}, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, fmt.Errorf("read topic: %w", err)
	}
	return PublishMessage{Topic: topic, Payload: rd.readBytes(rd.remaining())}, nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

// buildSubAck grants QoS 0 for every requested filter.
func buildSubAck(packetID uint16, topics int) []byte {
	remaining := 2 + topics
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x00)
	}
	return packet
}

func buildUnsubAck(packetID uint16) []byte {
	return []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
