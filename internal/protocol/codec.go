package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/oriys/midas/internal/table"
)

// maxFrameBytes bounds a single payload so a corrupt or hostile length prefix
// cannot make the reader allocate unbounded memory.
const maxFrameBytes = 16 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds maxFrameBytes.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")

// kind is the wire discriminator of the message union.
type kind uint8

const (
	kindCode kind = iota + 1
	kindData
	kindExecute
	kindPlay
	kindPause
	kindKill
	kindRegister
	kindUnregister
	kindResult
	kindProgress
	kindExecuting
	kindPaused
	kindStdout
	kindWhisper
	kindScriptError
	kindScriptWarning
)

// frame is the gob envelope: the kind tag plus the union of variant fields.
// Signal messages carry the tag alone.
type frame struct {
	Kind  kind
	Str   string
	Table table.Table
	Frac  float64
}

func toFrame(m Message) (frame, error) {
	switch v := m.(type) {
	case Code:
		return frame{Kind: kindCode, Str: v.Source}, nil
	case Data:
		return frame{Kind: kindData, Table: v.Payload}, nil
	case Execute:
		return frame{Kind: kindExecute}, nil
	case Play:
		return frame{Kind: kindPlay}, nil
	case Pause:
		return frame{Kind: kindPause}, nil
	case Kill:
		return frame{Kind: kindKill}, nil
	case Register:
		return frame{Kind: kindRegister, Str: v.Name}, nil
	case Unregister:
		return frame{Kind: kindUnregister}, nil
	case Result:
		return frame{Kind: kindResult, Table: v.Payload}, nil
	case Progress:
		return frame{Kind: kindProgress, Frac: v.Fraction}, nil
	case Executing:
		return frame{Kind: kindExecuting}, nil
	case Paused:
		return frame{Kind: kindPaused}, nil
	case Stdout:
		return frame{Kind: kindStdout, Str: v.Line}, nil
	case Whisper:
		return frame{Kind: kindWhisper, Str: v.Line}, nil
	case ScriptError:
		return frame{Kind: kindScriptError, Str: v.Msg}, nil
	case ScriptWarning:
		return frame{Kind: kindScriptWarning, Str: v.Msg}, nil
	}
	return frame{}, fmt.Errorf("protocol: unencodable message %T", m)
}

func (f frame) message() (Message, error) {
	switch f.Kind {
	case kindCode:
		return Code{Source: f.Str}, nil
	case kindData:
		return Data{Payload: f.Table}, nil
	case kindExecute:
		return Execute{}, nil
	case kindPlay:
		return Play{}, nil
	case kindPause:
		return Pause{}, nil
	case kindKill:
		return Kill{}, nil
	case kindRegister:
		return Register{Name: f.Str}, nil
	case kindUnregister:
		return Unregister{}, nil
	case kindResult:
		return Result{Payload: f.Table}, nil
	case kindProgress:
		return Progress{Fraction: f.Frac}, nil
	case kindExecuting:
		return Executing{}, nil
	case kindPaused:
		return Paused{}, nil
	case kindStdout:
		return Stdout{Line: f.Str}, nil
	case kindWhisper:
		return Whisper{Line: f.Str}, nil
	case kindScriptError:
		return ScriptError{Msg: f.Str}, nil
	case kindScriptWarning:
		return ScriptWarning{Msg: f.Str}, nil
	}
	return nil, fmt.Errorf("protocol: unknown message kind %d", f.Kind)
}

// WriteMessage encodes m and writes it as one length-prefixed frame.
func WriteMessage(w io.Writer, m Message) error {
	f, err := toFrame(m)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("encode %s: %w", Name(m), err)
	}
	if buf.Len() > maxFrameBytes {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// ReadMessage reads one frame and decodes it. io.EOF is returned unchanged on
// a clean close between frames; a close mid-frame yields io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f.message()
}
