package render

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"molrender/internal/models"
)

// writePlaceholder generates a static stand-in image locally, with no engine
// involvement, so a job always reaches a terminal state. The motif is a dark
// gradient with a stylized molecule so clients can tell at a glance the frame
// is not a real render.
func writePlaceholder(outPath string, params models.RenderParams) error {
	w, h := params.Width, params.Height
	if w <= 0 {
		w = 800
	}
	if h <= 0 {
		h = 600
	}

	// Paint at 2x and scale down for smooth edges.
	canvas := image.NewRGBA(image.Rect(0, 0, w*2, h*2))
	paintGradient(canvas)
	paintMolecule(canvas)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), canvas, canvas.Bounds(), draw.Over, nil)

	out := imaging.Blur(dst, 0.5)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := imaging.Save(out, outPath, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save placeholder: %w", err)
	}
	return nil
}

func paintGradient(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		t := float64(y-b.Min.Y) / float64(b.Dy())
		c := color.RGBA{
			R: uint8(18 + 22*t),
			G: uint8(24 + 30*t),
			B: uint8(40 + 48*t),
			A: 255,
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

// paintMolecule draws a hexagonal ring of atoms joined by bonds, centered.
func paintMolecule(img *image.RGBA) {
	b := img.Bounds()
	cx, cy := b.Dx()/2, b.Dy()/2
	radius := minInt(b.Dx(), b.Dy()) / 4
	atomR := radius / 5

	ring := hexagon(cx, cy, radius)
	bond := color.RGBA{R: 120, G: 136, B: 160, A: 255}
	atom := color.RGBA{R: 96, G: 176, B: 216, A: 255}

	for i := range ring {
		next := ring[(i+1)%len(ring)]
		drawLine(img, ring[i], next, atomR/3, bond)
	}
	for _, p := range ring {
		drawDisc(img, p, atomR, atom)
	}
	drawDisc(img, image.Pt(cx, cy), atomR+atomR/2, color.RGBA{R: 200, G: 120, B: 96, A: 255})
}

func hexagon(cx, cy, radius int) []image.Point {
	// Unit hexagon offsets scaled by radius.
	offsets := [][2]float64{
		{1, 0}, {0.5, 0.866}, {-0.5, 0.866}, {-1, 0}, {-0.5, -0.866}, {0.5, -0.866},
	}
	pts := make([]image.Point, 0, len(offsets))
	for _, o := range offsets {
		pts = append(pts, image.Pt(cx+int(o[0]*float64(radius)), cy+int(o[1]*float64(radius))))
	}
	return pts
}

func drawDisc(img *image.RGBA, center image.Point, r int, c color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				setIfInside(img, center.X+dx, center.Y+dy, c)
			}
		}
	}
}

func drawLine(img *image.RGBA, from, to image.Point, thickness int, c color.RGBA) {
	steps := maxInt(absInt(to.X-from.X), absInt(to.Y-from.Y))
	if steps == 0 {
		return
	}
	for i := 0; i <= steps; i++ {
		x := from.X + (to.X-from.X)*i/steps
		y := from.Y + (to.Y-from.Y)*i/steps
		drawDisc(img, image.Pt(x, y), thickness, c)
	}
}

func setIfInside(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func absInt(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
