package transfer

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/equinor/fmu-sumo-uploader/pkg/content"
)

// Deriver produces a second payload from a primary one. The derived
// payload is stored next to the primary under the same object id plus
// Suffix.
type Deriver interface {
	Suffix() string
	Applies(format string) bool
	Derive(ref content.Ref) (content.Ref, error)
}

// ZstdSuffix is appended to the key of zstd mirrors.
const ZstdSuffix = ".zst"

// ZstdDeriver writes a zstd-compressed copy of payloads of selected formats.
type ZstdDeriver struct {
	formats map[string]bool
	level   zstd.EncoderLevel
}

var _ Deriver = (*ZstdDeriver)(nil)

// NewZstdDeriver creates a deriver for formats. level follows the zstd
// command line numbering (1 fastest, 19+ best).
func NewZstdDeriver(formats []string, level int) *ZstdDeriver {
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[strings.ToLower(f)] = true
	}

	return &ZstdDeriver{
		formats: set,
		level:   zstd.EncoderLevelFromZstd(level),
	}
}

// Suffix implements Deriver.
func (z *ZstdDeriver) Suffix() string { return ZstdSuffix }

// Applies implements Deriver.
func (z *ZstdDeriver) Applies(format string) bool {
	return z.formats[strings.ToLower(format)]
}

// Derive implements Deriver. The compressed copy is held in memory.
func (z *ZstdDeriver) Derive(ref content.Ref) (content.Ref, error) {
	r, err := ref.Open()
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	return content.NewMemoryRef(ref.Name()+ZstdSuffix, enc.EncodeAll(raw, nil)), nil
}
