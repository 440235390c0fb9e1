package cdpexec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const readChunk = 32 << 10

// frameReader reassembles server frames from a stream that a read deadline
// may cut at any byte. Bytes of an incomplete frame stay buffered for the
// next call.
type frameReader struct {
	src     io.Reader
	buf     []byte
	scratch []byte

	// message holds the payload of a fragmented message until its final frame.
	message    []byte
	fragmented bool
}

func newFrameReader(src io.Reader) *frameReader {
	return &frameReader{src: src, scratch: make([]byte, readChunk)}
}

// next returns the payload of the next complete data message. Pings are
// answered on ctrl. A server close frame is reported as wsutil.ClosedError.
func (f *frameReader) next(ctrl io.Writer) ([]byte, error) {
	for {
		payload, ok, err := f.parse(ctrl)
		if err != nil || ok {
			return payload, err
		}
		n, readErr := f.src.Read(f.scratch)
		f.buf = append(f.buf, f.scratch[:n]...)
		if readErr == nil {
			continue
		}
		if n > 0 {
			if payload, ok, err := f.parse(ctrl); err != nil || ok {
				return payload, err
			}
		}
		return nil, readErr
	}
}

// parse consumes complete frames from the buffer until a data message is
// finished or the buffer runs out.
func (f *frameReader) parse(ctrl io.Writer) ([]byte, bool, error) {
	for {
		r := bytes.NewReader(f.buf)
		h, err := ws.ReadHeader(r)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		start := len(f.buf) - r.Len()
		if int64(r.Len()) < h.Length {
			return nil, false, nil
		}
		end := start + int(h.Length)
		payload := append([]byte(nil), f.buf[start:end]...)
		f.buf = f.buf[:copy(f.buf, f.buf[end:])]
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
		}
		if h.Rsv != 0 {
			return nil, false, ws.ErrProtocolNonZeroRsv
		}

		switch h.OpCode {
		case ws.OpPing:
			if err := ws.WriteFrame(ctrl, ws.MaskFrameInPlace(ws.NewPongFrame(payload))); err != nil {
				return nil, false, err
			}
		case ws.OpPong:
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(payload)
			return nil, false, wsutil.ClosedError{Code: code, Reason: reason}
		case ws.OpText, ws.OpBinary:
			if f.fragmented {
				return nil, false, fmt.Errorf("new data frame inside fragmented message")
			}
			if h.Fin {
				return payload, true, nil
			}
			f.fragmented = true
			f.message = payload
		case ws.OpContinuation:
			if !f.fragmented {
				return nil, false, fmt.Errorf("continuation frame without a message")
			}
			f.message = append(f.message, payload...)
			if h.Fin {
				msg := f.message
				f.message, f.fragmented = nil, false
				return msg, true, nil
			}
		default:
			return nil, false, fmt.Errorf("unexpected opcode %#x", h.OpCode)
		}
	}
}
