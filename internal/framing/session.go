// Package framing wraps golang.org/x/net/http2's Framer and
// hpack.Encoder/Decoder, translating HEADERS/DATA/SETTINGS/WINDOW_UPDATE/
// RST_STREAM/GOAWAY/PING frames into the callback surface consumed by the
// request registry, and gating outgoing bytes against the transport
// channel's bounded buffer.
package framing

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/h2fetch/h2fetch/internal/logger"
	"github.com/h2fetch/h2fetch/internal/registry"
	"github.com/h2fetch/h2fetch/internal/transport"
)

// defaultInitialWindow is the protocol default per RFC 7540 §6.9.2.
const defaultInitialWindow = 65535

const maxUploadChunk = 16 << 10

// Callbacks is the capability record the framing adapter invokes; the
// session loop (internal/session) is its sole receiver.
type Callbacks struct {
	// OnHeadersSent fires once a HEADERS frame that opened streamID has
	// actually been appended to the Transport Channel's buffer.
	OnHeadersSent func(streamID uint32)
	// OnHeadersRecv fires for a reply HEADERS(+CONTINUATION) frame.
	OnHeadersRecv func(streamID uint32, fields []registry.HeaderField, endStream bool)
	// OnDataChunk fires for each non-empty DATA frame payload.
	OnDataChunk func(streamID uint32, data []byte)
	// OnStreamClosed fires once for every stream that reaches a terminal
	// state (END_STREAM on HEADERS or DATA, or RST_STREAM).
	OnStreamClosed func(streamID uint32, code http2.ErrCode)

	// Diagnostic callbacks, bound only when verbose output is enabled.
	OnDataSent     func(streamID uint32, n int)
	OnDataRecv     func(streamID uint32, n int)
	OnInvalidFrame func(err error)
	OnUnknownFrame func(frameType string)
}

type pendingUpload struct {
	streamID uint32
	body     *registry.BodySource
	headersSentWithBody bool
}

// Session is the client-side HTTP/2 framing adapter for one Transport
// Channel.
type Session struct {
	ch  *transport.Channel
	log logger.Logger
	cb  Callbacks

	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	nextStreamID uint32

	peerInitialWindow uint32
	peerMaxFrameSize  uint32
	peerGoAway        bool

	connSendWindow int64
	streamSendWin  map[uint32]int64

	uploads []*pendingUpload
}

// Open writes the connection preface, constructs the Framer/hpack codec
// over ch, and returns a ready-to-use Session. No SETTINGS frame is sent
// yet; call SubmitSettings next.
func Open(ch *transport.Channel, log logger.Logger, cb Callbacks) (*Session, error) {
	if _, err := ch.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, fmt.Errorf("framing: write preface: %w", err)
	}
	s := &Session{
		ch:                ch,
		log:               log,
		cb:                cb,
		nextStreamID:      1,
		peerInitialWindow: defaultInitialWindow,
		peerMaxFrameSize:  16 << 10,
		connSendWindow:    defaultInitialWindow,
		streamSendWin:     make(map[uint32]int64),
	}
	s.fr = http2.NewFramer(ch, ch.Conn())
	s.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	s.henc = hpack.NewEncoder(&s.hbuf)
	return s, nil
}

// SubmitSettings sends the client's initial SETTINGS frame, including
// INITIAL_WINDOW_SIZE = 2^windowBits when windowBits >= 0, and a
// connection-level WINDOW_UPDATE raising the window to 2^connWindowBits
// when connWindowBits >= 0 (the -W flag) and that exceeds the 65535-byte
// default; smaller values leave the connection window at the default.
func (s *Session) SubmitSettings(windowBits, connWindowBits int) error {
	var settings []http2.Setting
	if windowBits >= 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(1) << uint(windowBits)})
	}
	if err := s.fr.WriteSettings(settings...); err != nil {
		return fmt.Errorf("framing: write settings: %w", err)
	}
	if connWindowBits >= 0 {
		target := uint32(1) << uint(connWindowBits)
		if target > defaultInitialWindow {
			if err := s.fr.WriteWindowUpdate(0, target-defaultInitialWindow); err != nil {
				return fmt.Errorf("framing: write conn window update: %w", err)
			}
		}
	}
	return nil
}

// Flush drains the Channel's outgoing buffer to the wire.
func (s *Session) Flush() error { return s.ch.Flush() }

// ReadFrame blocks for the next frame off the connection, applying the
// Channel's configured read idle timeout. It performs no protocol state
// mutation — only HandleFrame, called by the single owning loop goroutine,
// does that, so every state transition is observed atomically by the rest
// of the system.
func (s *Session) ReadFrame() (http2.Frame, error) {
	if rt := s.ch.ReadTimeout(); rt > 0 {
		s.ch.Conn().SetReadDeadline(time.Now().Add(rt))
	}
	return s.fr.ReadFrame()
}

// SubmitRequest HPACK-encodes the pseudo-headers ahead of the regular
// headers, opens a new client-initiated stream, and writes the HEADERS
// (+CONTINUATION) frame. It fires OnHeadersSent before returning, so a
// stream identifier is only handed out once the HEADERS frame has been
// written to the Channel's outgoing buffer.
func (s *Session) SubmitRequest(method, path, scheme, authority string, headers []registry.HeaderField, body *registry.BodySource) (uint32, error) {
	if s.peerGoAway {
		return 0, fmt.Errorf("framing: refusing new stream after GOAWAY")
	}
	s.hbuf.Reset()
	must := func(err error) {
		if err != nil {
			panic(err) // hpack.Encoder.WriteField only errors on writer failure; s.hbuf never errors
		}
	}
	must(s.henc.WriteField(hpack.HeaderField{Name: ":method", Value: method}))
	must(s.henc.WriteField(hpack.HeaderField{Name: ":path", Value: path}))
	must(s.henc.WriteField(hpack.HeaderField{Name: ":scheme", Value: scheme}))
	must(s.henc.WriteField(hpack.HeaderField{Name: ":host", Value: authority}))
	for _, h := range headers {
		must(s.henc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}))
	}

	streamID := s.nextStreamID
	s.nextStreamID += 2
	s.streamSendWin[streamID] = int64(s.peerInitialWindow)

	block := s.hbuf.Bytes()
	frameSize := int(s.peerMaxFrameSize)
	first := true
	for {
		chunk := block
		if len(chunk) > frameSize {
			chunk = chunk[:frameSize]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = s.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     body == nil,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = s.fr.WriteContinuation(streamID, endHeaders, chunk)
		}
		if err != nil {
			return 0, fmt.Errorf("framing: write headers: %w", err)
		}
		if endHeaders {
			break
		}
	}

	if s.cb.OnHeadersSent != nil {
		s.cb.OnHeadersSent(streamID)
	}
	if body != nil {
		s.uploads = append(s.uploads, &pendingUpload{streamID: streamID, body: body})
	}
	return streamID, nil
}

// PumpUploads advances every pending request body by at most one DATA
// frame each, respecting connection/stream flow-control windows and the
// Channel's high-water mark. It returns hasMore = true when at least one
// upload still has bytes in flight and window/buffer room to try again. A
// body-read error on one stream resets that stream alone rather than
// failing the whole session; the returned err is reserved for
// framing-level write failures, which do end the session.
func (s *Session) PumpUploads() (hasMore bool, err error) {
	if len(s.uploads) == 0 {
		return false, nil
	}
	remaining := s.uploads[:0]
	for _, u := range s.uploads {
		if s.ch.OutgoingBufferedSize() >= s.ch.HighWaterMark() {
			remaining = append(remaining, u)
			continue
		}
		avail := s.connSendWindow
		if sw := s.streamSendWin[u.streamID]; sw < avail {
			avail = sw
		}
		if avail <= 0 {
			remaining = append(remaining, u)
			continue
		}
		want := int64(maxUploadChunk)
		if left := u.body.Length - u.body.Offset; left < want {
			want = left
		}
		if want > avail {
			want = avail
		}
		if want <= 0 {
			// Body fully read; emit the closing empty DATA frame.
			if werr := s.fr.WriteData(u.streamID, true, nil); werr != nil {
				return false, fmt.Errorf("framing: write data: %w", werr)
			}
			continue
		}
		buf := make([]byte, want)
		n, rerr := io.ReadFull(u.body.Reader, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			// A body-read failure resets only the affected stream; it is
			// not a session-fatal error, so other streams' uploads keep
			// pumping.
			if werr := s.fr.WriteRSTStream(u.streamID, http2.ErrCodeInternal); werr != nil {
				return false, fmt.Errorf("framing: write rst_stream: %w", werr)
			}
			if s.cb.OnStreamClosed != nil {
				s.cb.OnStreamClosed(u.streamID, http2.ErrCodeInternal)
			}
			continue
		}
		buf = buf[:n]
		u.body.Offset += int64(n)
		endStream := u.body.Offset >= u.body.Length
		if werr := s.fr.WriteData(u.streamID, endStream, buf); werr != nil {
			return false, fmt.Errorf("framing: write data: %w", werr)
		}
		s.connSendWindow -= int64(n)
		s.streamSendWin[u.streamID] -= int64(n)
		if s.cb.OnDataSent != nil {
			s.cb.OnDataSent(u.streamID, n)
		}
		if !endStream {
			remaining = append(remaining, u)
		}
	}
	s.uploads = remaining
	if s.ch.OutgoingBufferedSize() >= s.ch.HighWaterMark() {
		return false, nil
	}
	for _, u := range s.uploads {
		if s.connSendWindow > 0 && s.streamSendWin[u.streamID] > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SubmitGoAway sends GOAWAY(NO_ERROR), to be called exactly once when the
// registry first reports completion.
func (s *Session) SubmitGoAway() error {
	if err := s.fr.WriteGoAway(0, http2.ErrCodeNo, nil); err != nil {
		return fmt.Errorf("framing: write goaway: %w", err)
	}
	return nil
}

// ResetStream aborts streamID with the given error code (used when a
// response body fails to decode).
func (s *Session) ResetStream(streamID uint32, code http2.ErrCode) error {
	if err := s.fr.WriteRSTStream(streamID, code); err != nil {
		return fmt.Errorf("framing: write rst_stream: %w", err)
	}
	return nil
}

// HandleFrame applies one decoded frame: updates flow-control state,
// replies to SETTINGS/PING, and invokes the Callbacks. It must only ever
// be called from the single goroutine that owns this Session and the
// Registry it feeds.
func (s *Session) HandleFrame(f http2.Frame) error {
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		return s.handleSettings(fr)
	case *http2.PingFrame:
		return s.handlePing(fr)
	case *http2.WindowUpdateFrame:
		s.handleWindowUpdate(fr)
		return nil
	case *http2.GoAwayFrame:
		s.peerGoAway = true
		s.log.Debugf("received GOAWAY code=%v lastStreamID=%d", fr.ErrCode, fr.LastStreamID)
		return nil
	case *http2.MetaHeadersFrame:
		return s.handleHeaders(fr)
	case *http2.DataFrame:
		return s.handleData(fr)
	case *http2.RSTStreamFrame:
		if s.cb.OnStreamClosed != nil {
			s.cb.OnStreamClosed(fr.StreamID, fr.ErrCode)
		}
		return nil
	case *http2.PushPromiseFrame:
		s.log.Debugf("ignoring PUSH_PROMISE for promised stream %d", fr.PromiseID)
		return nil
	default:
		if s.cb.OnUnknownFrame != nil {
			s.cb.OnUnknownFrame(fmt.Sprintf("%T", f))
		}
		return nil
	}
}

func (s *Session) handleSettings(fr *http2.SettingsFrame) error {
	if fr.IsAck() {
		s.log.Debugf("received SETTINGS ack")
		return nil
	}
	fr.ForeachSetting(func(set http2.Setting) error {
		switch set.ID {
		case http2.SettingInitialWindowSize:
			s.peerInitialWindow = set.Val
		case http2.SettingMaxFrameSize:
			s.peerMaxFrameSize = set.Val
		}
		return nil
	})
	if err := s.fr.WriteSettingsAck(); err != nil {
		return fmt.Errorf("framing: write settings ack: %w", err)
	}
	return nil
}

func (s *Session) handlePing(fr *http2.PingFrame) error {
	if fr.IsAck() {
		return nil
	}
	if err := s.fr.WritePing(true, fr.Data); err != nil {
		return fmt.Errorf("framing: write ping ack: %w", err)
	}
	return nil
}

func (s *Session) handleWindowUpdate(fr *http2.WindowUpdateFrame) {
	if fr.StreamID == 0 {
		s.connSendWindow += int64(fr.Increment)
		return
	}
	if _, ok := s.streamSendWin[fr.StreamID]; ok {
		s.streamSendWin[fr.StreamID] += int64(fr.Increment)
	}
}

func (s *Session) handleHeaders(fr *http2.MetaHeadersFrame) error {
	if s.cb.OnHeadersRecv != nil {
		fields := make([]registry.HeaderField, len(fr.Fields))
		for i, f := range fr.Fields {
			fields[i] = registry.HeaderField{Name: f.Name, Value: f.Value}
		}
		s.cb.OnHeadersRecv(fr.StreamID, fields, fr.StreamEnded())
	}
	if fr.StreamEnded() && s.cb.OnStreamClosed != nil {
		s.cb.OnStreamClosed(fr.StreamID, http2.ErrCodeNo)
	}
	return nil
}

func (s *Session) handleData(fr *http2.DataFrame) error {
	data := fr.Data()
	if len(data) > 0 {
		if s.cb.OnDataChunk != nil {
			s.cb.OnDataChunk(fr.StreamID, data)
		}
		if s.cb.OnDataRecv != nil {
			s.cb.OnDataRecv(fr.StreamID, len(data))
		}
		if err := s.fr.WriteWindowUpdate(0, uint32(len(data))); err != nil {
			return fmt.Errorf("framing: write window update: %w", err)
		}
		if err := s.fr.WriteWindowUpdate(fr.StreamID, uint32(len(data))); err != nil {
			return fmt.Errorf("framing: write window update: %w", err)
		}
	}
	if fr.StreamEnded() && s.cb.OnStreamClosed != nil {
		s.cb.OnStreamClosed(fr.StreamID, http2.ErrCodeNo)
	}
	return nil
}
