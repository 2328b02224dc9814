package playback

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Upper bounds on frame sizes accepted from the server.
const (
	maxEventJSON    = 1 << 20
	maxEventPayload = 64 << 20
)

// wyomingEvent is one frame of the Wyoming protocol:
//
//	<json_length> <payload_length>\n
//	<json>\n
//	<payload>
type wyomingEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func writeEvent(w io.Writer, event wyomingEvent, payload []byte) error {
	header, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	var frame bytes.Buffer
	fmt.Fprintf(&frame, "%d %d\n", len(header), len(payload))
	frame.Write(header)
	frame.WriteByte('\n')
	frame.Write(payload)

	_, err = w.Write(frame.Bytes())
	return err
}

func readEvent(r *bufio.Reader) (wyomingEvent, []byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return wyomingEvent{}, nil, fmt.Errorf("read event header: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return wyomingEvent{}, nil, fmt.Errorf("invalid event header %q", strings.TrimSpace(line))
	}
	jsonLen, err := strconv.Atoi(fields[0])
	if err != nil || jsonLen < 0 {
		return wyomingEvent{}, nil, fmt.Errorf("invalid json length %q", fields[0])
	}
	if jsonLen > maxEventJSON {
		return wyomingEvent{}, nil, fmt.Errorf("event json length %d exceeds %d bytes", jsonLen, maxEventJSON)
	}
	payloadLen, err := strconv.Atoi(fields[1])
	if err != nil || payloadLen < 0 {
		return wyomingEvent{}, nil, fmt.Errorf("invalid payload length %q", fields[1])
	}
	if payloadLen > maxEventPayload {
		return wyomingEvent{}, nil, fmt.Errorf("event payload length %d exceeds %d bytes", payloadLen, maxEventPayload)
	}

	body := make([]byte, jsonLen+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return wyomingEvent{}, nil, fmt.Errorf("read event body: %w", err)
	}

	var event wyomingEvent
	if err := json.Unmarshal(body[:jsonLen], &event); err != nil {
		return wyomingEvent{}, nil, fmt.Errorf("decode event body: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return wyomingEvent{}, nil, fmt.Errorf("read event payload: %w", err)
		}
	}
	return event, payload, nil
}

// wavFile wraps little-endian PCM in a 44-byte RIFF header.
func wavFile(pcm []byte, sampleRate, channels, width int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	put := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	put(uint32(36 + len(pcm)))
	buf.WriteString("WAVEfmt ")
	put(uint32(16))
	put(uint16(1))
	put(uint16(channels))
	put(uint32(sampleRate))
	put(uint32(sampleRate * channels * width))
	put(uint16(channels * width))
	put(uint16(width * 8))
	buf.WriteString("data")
	put(uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

func intField(data map[string]any, key string, fallback int) int {
	if v, ok := data[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}
