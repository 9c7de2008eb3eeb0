package payments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize     = 256
	qrDataURIPrefix   = "data:image/png;base64,"
	qrMaxPayloadBytes = 2048
)

// PNGQREncoder renders QR payloads as base64 PNG data URIs.
type PNGQREncoder struct {
	size  int
	level qrcode.RecoveryLevel
}

var _ QREncoder = (*PNGQREncoder)(nil)

// NewPNGQREncoder returns an encoder producing square images of the given pixel size.
func NewPNGQREncoder(size int) *PNGQREncoder {
	if size <= 0 {
		size = defaultQRSize
	}
	return &PNGQREncoder{size: size, level: qrcode.Medium}
}

// Encode implements QREncoder.
func (e *PNGQREncoder) Encode(payload string) (string, error) {
	png, err := e.PNG(payload)
	if err != nil {
		return "", err
	}
	return qrDataURIPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// PNG returns the raw image bytes.
func (e *PNGQREncoder) PNG(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errors.New("qr: payload is required")
	}
	if len(payload) > qrMaxPayloadBytes {
		return nil, fmt.Errorf("qr: payload exceeds %d bytes", qrMaxPayloadBytes)
	}
	png, err := qrcode.Encode(payload, e.level, e.size)
	if err != nil {
		return nil, fmt.Errorf("qr: encode: %w", err)
	}
	return png, nil
}

// DecodeDataURI returns the PNG bytes embedded in a data URI produced by Encode.
func DecodeDataURI(artifact string) ([]byte, error) {
	if !strings.HasPrefix(artifact, qrDataURIPrefix) {
		return nil, errors.New("qr: artifact is not a png data uri")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(artifact, qrDataURIPrefix))
}
