// Package palette assigns stable colors to timeline keys so related events
// (one transaction, one service, one topic) look alike across a render.
package palette

import (
	"hash/fnv"

	colorful "github.com/lucasb-eyer/go-colorful"
)

const (
	saturation     = 0.55
	baseLightness  = 0.45
	highlightLight = 0.75
)

// For returns the (color, highlight) hex pair for key. The same key always
// maps to the same pair.
func For(key string) (string, string) {
	h := Hue(key)
	base := colorful.Hsl(h, saturation, baseLightness)
	highlight := colorful.Hsl(h, saturation, highlightLight)
	return base.Clamped().Hex(), highlight.Clamped().Hex()
}

// Hue is the key's position on the color wheel in degrees.
func Hue(key string) float64 {
	f := fnv.New32a()
	f.Write([]byte(key))
	return float64(f.Sum32() % 360)
}
