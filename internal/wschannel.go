package internal

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// websocketGUID is the fixed key-derivation constant from RFC 6455.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	OpcodeText   byte = 0x1
	OpcodeBinary byte = 0x2
	OpcodeClose  byte = 0x8
	OpcodePing   byte = 0x9
	OpcodePong   byte = 0xA
)

const subscriberWriteTimeout = 5 * time.Second

// Clients only ever send control frames and short texts; a larger advertised
// length is hostile and must not reach the allocator or pile up in the read
// buffer.
const maxClientPayload = 1 << 20

var (
	ErrNotWebSocket  = errors.New("not a websocket upgrade request")
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
)

// AcceptKey derives the Sec-WebSocket-Accept value for a handshake key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Handshake validates the upgrade headers and returns the accept value.
// Requests without Upgrade: websocket and Sec-WebSocket-Key are rejected.
func Handshake(header http.Header) (string, error) {
	if !strings.EqualFold(header.Get("Upgrade"), "websocket") {
		return "", ErrNotWebSocket
	}
	key := header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", ErrNotWebSocket
	}
	return AcceptKey(key), nil
}

// EncodeFrame builds a single unfragmented server frame: FIN set, never
// masked, payload length as 7-bit, 16-bit or 64-bit big-endian.
func EncodeFrame(opcode byte, payload []byte) []byte {
	length := len(payload)

	var header []byte
	switch {
	case length <= 125:
		header = []byte{0x80 | opcode, byte(length)}
	case length <= 65535:
		header = make([]byte, 4)
		header[0] = 0x80 | opcode
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(length))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(length))
	}

	frame := make([]byte, 0, len(header)+length)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	return frame
}

// DecodeFrame parses one frame from the front of buf. Reads arrive as
// arbitrary chunks over the stream socket, so a buffer holding less than a
// full header or payload yields consumed == 0 and the caller keeps the bytes
// for the next read. Client frames carry a 4-byte mask key which is XORed
// out of the payload. An advertised length above maxClientPayload returns
// ErrFrameTooLarge so the caller drops the connection instead of buffering.
func DecodeFrame(buf []byte) (opcode byte, payload []byte, consumed int, err error) {
	if len(buf) < 2 {
		return 0, nil, 0, nil
	}

	opcode = buf[0] & 0x0F
	masked := buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7F)

	offset := 2
	switch length {
	case 126:
		if len(buf) < 4 {
			return 0, nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[2:4]))
		offset = 4
	case 127:
		if len(buf) < 10 {
			return 0, nil, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[2:10])
		offset = 10
	}

	if length > maxClientPayload {
		return 0, nil, 0, ErrFrameTooLarge
	}

	var mask []byte
	if masked {
		if len(buf) < offset+4 {
			return 0, nil, 0, nil
		}
		mask = buf[offset : offset+4]
		offset += 4
	}

	// Subtraction, not addition: a crafted 64-bit length must not be able to
	// wrap the completeness check.
	if length > uint64(len(buf)-offset) {
		return 0, nil, 0, nil
	}

	payload = make([]byte, length)
	copy(payload, buf[offset:offset+int(length)])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return opcode, payload, offset + int(length), nil
}

// Subscriber is one upgraded browser connection. The write mutex keeps
// broadcasts and pong replies from interleaving on the wire.
type Subscriber struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *Subscriber) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(subscriberWriteTimeout))
	_, err := s.conn.Write(frame)
	return err
}

// Channel fans out binary frames to every subscribed connection.
type Channel struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}

	logger *slog.Logger
}

func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{
		subscribers: make(map[*Subscriber]struct{}),
		logger:      logger,
	}
}

func (ch *Channel) Subscribe(conn net.Conn) *Subscriber {
	sub := &Subscriber{conn: conn}

	ch.mu.Lock()
	ch.subscribers[sub] = struct{}{}
	count := len(ch.subscribers)
	ch.mu.Unlock()

	wsSubscribers.Set(float64(count))
	ch.logger.Info("websocket client connected", "total", count)
	return sub
}

func (ch *Channel) Unsubscribe(sub *Subscriber) {
	ch.mu.Lock()
	_, present := ch.subscribers[sub]
	delete(ch.subscribers, sub)
	count := len(ch.subscribers)
	ch.mu.Unlock()

	if present {
		wsSubscribers.Set(float64(count))
		ch.logger.Info("websocket client disconnected", "total", count)
	}
}

func (ch *Channel) SubscriberCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

// Broadcast sends payload as one binary frame to every current subscriber.
// Delivery is best effort: a failed write drops that subscriber only, slow
// consumers are bounded by the per-write deadline, nothing is queued.
func (ch *Channel) Broadcast(payload []byte) {
	ch.mu.Lock()
	if len(ch.subscribers) == 0 {
		ch.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(ch.subscribers))
	for sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	ch.mu.Unlock()

	frame := EncodeFrame(OpcodeBinary, payload)

	for _, sub := range subs {
		if err := sub.write(frame); err != nil {
			ch.Unsubscribe(sub)
			sub.conn.Close()
		}
	}
}

// Handler upgrades the request and runs the read loop until the client goes
// away. The connection is hijacked so the handshake and all framing stay
// under our control.
func (ch *Channel) Handler(w http.ResponseWriter, r *http.Request) {
	accept, err := Handshake(r.Header)
	if err != nil {
		http.Error(w, "not a websocket request", http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		ch.logger.Error("hijack failed", "err", err)
		return
	}

	response := fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := conn.Write([]byte(response)); err != nil {
		conn.Close()
		return
	}

	sub := ch.Subscribe(conn)
	defer func() {
		ch.Unsubscribe(sub)
		conn.Close()
	}()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		// The bufio reader from the hijack may hold bytes that arrived
		// with the handshake.
		n, err := rw.Reader.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			opcode, payload, consumed, err := DecodeFrame(buf)
			if err != nil {
				ch.logger.Warn("dropping websocket client", "err", err)
				return
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]

			switch opcode {
			case OpcodeClose:
				return
			case OpcodePing:
				if err := sub.write(EncodeFrame(OpcodePong, payload)); err != nil {
					return
				}
			}
		}
	}
}
