package purchase

import (
	"bytes"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"sync"
)

const artSize = 256

var (
	artMu    sync.Mutex
	artCache = map[string][]byte{}
)

// defaultArtwork renders the fallback reward image for a tier: a vertical
// gradient tinted by the tier name. Output is deterministic per tier.
func defaultArtwork(tier string) ([]byte, error) {
	artMu.Lock()
	defer artMu.Unlock()
	if b, ok := artCache[tier]; ok {
		return b, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tier))
	sum := h.Sum32()
	base := color.RGBA{R: uint8(sum >> 16), G: uint8(sum>>8) | 0x40, B: uint8(sum), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, artSize, artSize))
	for y := 0; y < artSize; y++ {
		shade := uint8(255 * y / artSize / 2)
		c := color.RGBA{R: sat(base.R, shade), G: sat(base.G, shade), B: sat(base.B, shade), A: 0xff}
		for x := 0; x < artSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	artCache[tier] = buf.Bytes()
	return buf.Bytes(), nil
}

func sat(v, add uint8) uint8 {
	if int(v)+int(add) > 255 {
		return 255
	}
	return v + add
}
