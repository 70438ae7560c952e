package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

var (
	winnerColor = color.RGBA{R: 0x2e, G: 0xcc, B: 0x40, A: 0xff}
	otherColor  = color.RGBA{R: 0xff, G: 0xc1, B: 0x07, A: 0xff}
	labelText   = color.RGBA{A: 0xff}
)

const boxStroke = 2

// Annotate draws detection boxes and labels onto a copy of src. The winning detection,
// if any, is drawn in a distinct color.
func Annotate(src image.Image, detections []models.Detection, winner *models.Detection) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	for i := range detections {
		d := &detections[i]
		c := otherColor
		if winner != nil && d.Label == winner.Label && d.Box == winner.Box {
			c = winnerColor
		}
		r := image.Rect(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2).Intersect(bounds)
		if r.Empty() {
			continue
		}
		strokeRect(dst, r, c)
		drawLabel(dst, r.Min, fmt.Sprintf("%s %.2f", d.Label, d.Confidence), c)
	}
	return dst
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxStroke),
		image.Rect(r.Min.X, r.Max.Y-boxStroke, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxStroke, r.Max.Y),
		image.Rect(r.Max.X-boxStroke, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled tag sitting above the box corner, or inside it when
// the box touches the top edge.
func drawLabel(dst *image.RGBA, at image.Point, text string, bg color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()

	top := at.Y - height
	if top < dst.Bounds().Min.Y {
		top = at.Y
	}
	tag := image.Rect(at.X, top, at.X+width+4, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelText),
		Face: face,
		Dot:  fixed.P(at.X+2, top+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

// EncodeDataURL encodes img as a JPEG data URL for browser observers.
func EncodeDataURL(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
