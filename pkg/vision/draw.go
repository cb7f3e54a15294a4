package vision

import (
	"fmt"
	"image"
	"image/color"

	"github.com/teslashibe/go-safetycam/pkg/detection"
	"gocv.io/x/gocv"
)

const (
	boxThickness = 2
	fontFace     = gocv.FontHersheySimplex
	fontScale    = 0.5
	fontWeight   = 1
	labelPadding = 3
)

// palette holds box colours, picked per class id.
var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 146, G: 204, B: 23, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
	{R: 100, G: 115, B: 255, A: 255},
	{R: 0, G: 24, B: 236, A: 255},
	{R: 132, G: 56, B: 255, A: 255},
	{R: 82, G: 0, B: 133, A: 255},
	{R: 203, G: 56, B: 255, A: 255},
	{R: 255, G: 149, B: 200, A: 255},
	{R: 255, G: 55, B: 199, A: 255},
}

// ClassColor returns the box colour for a class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// textColor picks black or white for legibility on bg.
func textColor(bg color.RGBA) color.RGBA {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 150 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

// Label formats the caption drawn above a box.
func Label(d detection.ObjectDetection) string {
	return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
}

// labelRect places a caption of the given text size above the box, or just
// inside its top edge when there is no room above. One extra padding row
// leaves space for descenders.
func labelRect(box image.Rectangle, text image.Point) image.Rectangle {
	h := text.Y + 3*labelPadding
	w := text.X + 2*labelPadding
	top := box.Min.Y - h
	if top < 0 {
		top = box.Min.Y
	}
	return image.Rect(box.Min.X, top, box.Min.X+w, top+h)
}

// Annotate draws every detection onto img in place.
func Annotate(img *gocv.Mat, dets []detection.ObjectDetection) {
	cols, rows := img.Cols(), img.Rows()
	for _, d := range dets {
		x1, y1, x2, y2 := d.Pixels(cols, rows)
		box := image.Rect(x1, y1, x2, y2)
		c := ClassColor(d.ClassID)

		gocv.Rectangle(img, box, c, boxThickness)

		label := Label(d)
		size := gocv.GetTextSize(label, fontFace, fontScale, fontWeight)
		bg := labelRect(box, size)
		gocv.Rectangle(img, bg, c, -1)

		origin := image.Pt(bg.Min.X+labelPadding, bg.Max.Y-2*labelPadding)
		gocv.PutText(img, label, origin, fontFace, fontScale, textColor(c), fontWeight)
	}
}
