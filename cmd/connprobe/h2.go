package main

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/net/http2"
)

type setting struct {
	ID  string `json:"id"`
	Val uint32 `json:"value"`
}

var errNotSettings = errors.New("connection error, first frame sent by server not settings")

// handshakeH2 sends the client connection preface and returns the settings
// the server advertised in its own preface. The server SETTINGS is
// acknowledged, nothing else is sent.
func handshakeH2(c net.Conn) ([]setting, error) {
	if _, err := io.WriteString(c, http2.ClientPreface); err != nil {
		return nil, err
	}
	fr := http2.NewFramer(c, c)
	if err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: 16 << 10},
	); err != nil {
		return nil, err
	}
	// The server connection preface consists of a potentially empty SETTINGS frame
	// that MUST be the first frame the server sends in the HTTP/2 connection.
	// https://httpwg.org/specs/rfc7540.html#rfc.section.3.5
	f, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		_ = fr.WriteGoAway(0, http2.ErrCodeProtocol, nil)
		return nil, fmt.Errorf("%w: got %s", errNotSettings, f.Header().Type)
	}
	var out []setting
	if err := sf.ForeachSetting(func(s http2.Setting) error {
		out = append(out, setting{ID: s.ID.String(), Val: s.Val})
		return nil
	}); err != nil {
		return nil, err
	}
	return out, fr.WriteSettingsAck()
}
