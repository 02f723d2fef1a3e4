package protocol

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/notebridge/notebridge/internal/apperr"
)

const (
	// MaxFrameBytes is the transport's per-frame limit.
	MaxFrameBytes = 16384
	// frameMetadataReserve leaves room for the frame's own envelope (uuid,
	// chunk counters, JSON syntax) inside the transport limit.
	frameMetadataReserve = 512
	// DefaultFrameLimit is the byte budget for one frame's message slice.
	DefaultFrameLimit = MaxFrameBytes - frameMetadataReserve
	// maxEscapedRuneBytes is the worst-case wire cost of a single rune
	// inside a JSON string (a \uXXXX escape).
	maxEscapedRuneBytes = 6
)

const (
	opSplit      = "protocol.split"
	opReassemble = "protocol.reassemble"

	reasonEmptyMessageUUID = "empty_message_uuid"
	reasonInvalidTotal     = "invalid_total"
	reasonChunkOutOfRange  = "chunk_out_of_range"
	reasonTotalMismatch    = "total_mismatch"
	reasonDuplicateChunk   = "duplicate_chunk"
)

// Frame is the wire unit between a notebook and the relay. Message holds a
// slice of the JSON-serialized operation envelope; frames sharing a UUID
// reassemble by concatenating slices in Chunk order once Total have arrived.
type Frame struct {
	Message string `json:"message"`
	UUID    string `json:"uuid"`
	Chunk   int    `json:"chunk"`
	Total   int    `json:"total"`
}

// Split slices a payload into frames under the byte limit. The budget is
// enforced against the JSON-encoded form of each slice: escaping can double
// a quote-dense payload, and the frame must fit the transport limit on the
// wire, not just in memory. Slicing happens on UTF-8 rune boundaries so a
// multi-byte sequence never straddles frames; Total is the actual frame
// count produced, not a pre-computed estimate.
func Split(payload string, messageUUID string, limit int) ([]Frame, error) {
	if messageUUID == "" {
		return nil, apperr.New(apperr.KindInvalidPayload, opSplit, reasonEmptyMessageUUID, nil)
	}
	if limit < maxEscapedRuneBytes {
		limit = DefaultFrameLimit
	}

	var slices []string
	for payload != "" {
		cut := cutFrameSlice(payload, limit)
		slices = append(slices, payload[:cut])
		payload = payload[cut:]
	}
	if len(slices) == 0 {
		slices = append(slices, "")
	}

	frames := make([]Frame, len(slices))
	for i, slice := range slices {
		frames[i] = Frame{
			Message: slice,
			UUID:    messageUUID,
			Chunk:   i,
			Total:   len(slices),
		}
	}
	return frames, nil
}

// cutFrameSlice returns the longest prefix of payload whose JSON-encoded
// form fits the limit, ending on a rune boundary. It starts from the raw
// byte budget and shrinks proportionally to the measured escape overhead
// until the encoded slice fits.
func cutFrameSlice(payload string, limit int) int {
	cut := limit
	if cut > len(payload) {
		cut = len(payload)
	}
	for cut < len(payload) && !utf8.RuneStart(payload[cut]) {
		cut--
	}

	for {
		encoded := encodedLength(payload[:cut])
		if encoded <= limit {
			return cut
		}
		next := cut * limit / encoded
		if next >= cut {
			next = cut - 1
		}
		for next > 0 && !utf8.RuneStart(payload[next]) {
			next--
		}
		if next == 0 {
			// One rune always fits: its escaped form is at most
			// maxEscapedRuneBytes, which bounds the limit from below.
			_, size := utf8.DecodeRuneInString(payload)
			return size
		}
		cut = next
	}
}

// encodedLength is the wire size of a slice inside a frame's message field,
// surrounding quotes excluded.
func encodedLength(slice string) int {
	encoded, err := json.Marshal(slice)
	if err != nil {
		return len(slice)
	}
	return len(encoded) - 2
}

type pendingMessage struct {
	total  int
	chunks map[int]string
}

// Reassembler buffers frames by (uuid, chunk) until a logical message is
// complete. The transport does not guarantee frame order, so arrival order
// is irrelevant; duplicate or out-of-range chunk indexes are rejected.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*pendingMessage
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[string]*pendingMessage)}
}

// Add buffers one frame. When the frame completes its message, the
// reassembled payload is returned with complete=true and the buffer entry
// is released.
func (r *Reassembler) Add(frame Frame) (string, bool, error) {
	if frame.UUID == "" {
		return "", false, apperr.New(apperr.KindInvalidPayload, opReassemble, reasonEmptyMessageUUID, nil)
	}
	if frame.Total < 1 {
		return "", false, apperr.New(apperr.KindInvalidPayload, opReassemble, reasonInvalidTotal, nil)
	}
	if frame.Chunk < 0 || frame.Chunk >= frame.Total {
		return "", false, apperr.New(apperr.KindInvalidPayload, opReassemble, reasonChunkOutOfRange, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	message, ok := r.pending[frame.UUID]
	if !ok {
		message = &pendingMessage{total: frame.Total, chunks: make(map[int]string, frame.Total)}
		r.pending[frame.UUID] = message
	}
	if message.total != frame.Total {
		delete(r.pending, frame.UUID)
		return "", false, apperr.New(apperr.KindInvalidPayload, opReassemble, reasonTotalMismatch, nil)
	}
	if _, exists := message.chunks[frame.Chunk]; exists {
		delete(r.pending, frame.UUID)
		return "", false, apperr.New(apperr.KindInvalidPayload, opReassemble, reasonDuplicateChunk, nil)
	}
	message.chunks[frame.Chunk] = frame.Message
	if len(message.chunks) < message.total {
		return "", false, nil
	}

	delete(r.pending, frame.UUID)
	indexes := make([]int, 0, message.total)
	for index := range message.chunks {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	var builder strings.Builder
	for _, index := range indexes {
		builder.WriteString(message.chunks[index])
	}
	return builder.String(), true, nil
}
