package qr

import (
	"errors"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultImageSize = 256

// ErrEmptyTarget indicates an empty URL was passed to the encoder.
var ErrEmptyTarget = errors.New("qr: target url is required")

// Encoder turns a target URL into a scannable PNG image in memory.
type Encoder interface {
	Encode(targetURL string) ([]byte, error)
}

// EncoderConfig tunes the generated image.
type EncoderConfig struct {
	// ImageSize is the output edge length in pixels. Defaults to 256.
	ImageSize int
	// HighRecovery selects the highest error correction level. Used for
	// PIN-verification targets so a damaged printed label still scans.
	HighRecovery bool
}

type pngEncoder struct {
	size     int
	recovery qrcode.RecoveryLevel
}

// NewEncoder constructs a PNG QR encoder.
func NewEncoder(cfg EncoderConfig) Encoder {
	size := cfg.ImageSize
	if size <= 0 {
		size = defaultImageSize
	}
	recovery := qrcode.Medium
	if cfg.HighRecovery {
		recovery = qrcode.Highest
	}
	return &pngEncoder{size: size, recovery: recovery}
}

func (e *pngEncoder) Encode(targetURL string) ([]byte, error) {
	if strings.TrimSpace(targetURL) == "" {
		return nil, ErrEmptyTarget
	}
	return qrcode.Encode(targetURL, e.recovery, e.size)
}
