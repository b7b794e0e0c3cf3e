package preprocess

import (
	"image"
	"math"
)

// clahe equalizes contrast per tile with a clipped histogram and blends
// neighbouring tile mappings bilinearly.
func clahe(src *image.Gray, tiles int, clipLimit float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || tiles <= 0 {
		return src
	}

	tilesX, tileW := tileGrid(w, tiles)
	tilesY, tileH := tileGrid(h, tiles)

	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)
			luts[ty*tilesX+tx] = tileLUT(src, x0, y0, x1, y1, clipLimit)
		}
	}

	dst := image.NewGray(b)
	for y := 0; y < h; y++ {
		ty0, ty1, ay := neighbours(y, tileH, tilesY)
		for x := 0; x < w; x++ {
			tx0, tx1, ax := neighbours(x, tileW, tilesX)
			v := src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]

			top := lerp(float64(luts[ty0*tilesX+tx0][v]), float64(luts[ty0*tilesX+tx1][v]), ax)
			bottom := lerp(float64(luts[ty1*tilesX+tx0][v]), float64(luts[ty1*tilesX+tx1][v]), ax)
			dst.Pix[dst.PixOffset(b.Min.X+x, b.Min.Y+y)] = uint8(math.Round(lerp(top, bottom, ay)))
		}
	}
	return dst
}

// tileGrid picks a tile size so that no tile is empty.
func tileGrid(length, tiles int) (count, size int) {
	count = min(tiles, length)
	size = (length + count - 1) / count
	count = (length + size - 1) / size
	return count, size
}

func tileLUT(src *image.Gray, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	b := src.Bounds()
	var hist [256]int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)]]++
		}
	}
	area := (x1 - x0) * (y1 - y0)

	limit := max(int(clipLimit*float64(area)/256), 1)
	excess := 0
	for i := range hist {
		if hist[i] > limit {
			excess += hist[i] - limit
			hist[i] = limit
		}
	}
	bonus, rem := excess/256, excess%256
	for i := range hist {
		hist[i] += bonus
		if i < rem {
			hist[i]++
		}
	}

	var lut [256]uint8
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = uint8(min(255, sum*255/area))
	}
	return lut
}

// neighbours returns the two tile indices around pos and the weight of the second.
func neighbours(pos, size, count int) (int, int, float64) {
	f := (float64(pos)+0.5)/float64(size) - 0.5
	i0 := int(math.Floor(f))
	a := f - float64(i0)
	if i0 < 0 {
		return 0, 0, 0
	}
	if i0 >= count-1 {
		return count - 1, count - 1, 0
	}
	return i0, i0 + 1, a
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
