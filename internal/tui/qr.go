package tui

import (
	"bytes"
	"io"

	"github.com/mdp/qrterminal/v3"
)

// WriteQR renders data as a half-block QR code.
func WriteQR(w io.Writer, data string) {
	qrterminal.GenerateWithConfig(data, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         w,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})
}

// RenderQR returns the half-block rendering of data.
func RenderQR(data string) string {
	var buf bytes.Buffer
	WriteQR(&buf, data)
	return buf.String()
}
