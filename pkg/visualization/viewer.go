package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"brats2twolabel/internal/models"
)

// Palette maps label codes to display colours. Codes without an entry are
// drawn with Fallback.
type Palette struct {
	Colors   map[uint8]color.RGBA
	Fallback color.RGBA
}

// DefaultPalette colours background black, non-enhancing tumor yellow,
// contrast-enhancing tumor red and explicit necrosis blue.
func DefaultPalette() Palette {
	return Palette{
		Colors: map[uint8]color.RGBA{
			0: {0, 0, 0, 255},
			1: {255, 215, 0, 255},
			2: {220, 20, 60, 255},
			3: {30, 144, 255, 255},
		},
		Fallback: color.RGBA{128, 128, 128, 255},
	}
}

func (p Palette) color(label uint8) color.RGBA {
	if c, ok := p.Colors[label]; ok {
		return c
	}
	return p.Fallback
}

// Viewer renders axis-aligned slices of a label volume.
type Viewer struct {
	// volume holds the label map being displayed
	volume *models.LabelVolume

	palette Palette
}

// NewViewer creates a new label volume viewer
func NewViewer(volume *models.LabelVolume, palette Palette) *Viewer {
	return &Viewer{
		volume:  volume,
		palette: palette,
	}
}

// axisLength returns the number of slices along axis.
func (v *Viewer) axisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Shape[0], nil
	case "y", "Y":
		return v.volume.Shape[1], nil
	case "z", "Z":
		return v.volume.Shape[2], nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s-axis length %d", position, axis, n)
	}

	shape := v.volume.Shape
	var img *image.RGBA

	switch axis {
	case "x", "X":
		// YZ plane, z across
		img = image.NewRGBA(image.Rect(0, 0, shape[2], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				img.SetRGBA(z, y, v.palette.color(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane, z down
		img = image.NewRGBA(image.Rect(0, 0, shape[0], shape[2]))
		for z := 0; z < shape[2]; z++ {
			for x := 0; x < shape[0]; x++ {
				img.SetRGBA(x, z, v.palette.color(v.volume.At(x, position, z)))
			}
		}

	default:
		// XY plane
		img = image.NewRGBA(image.Rect(0, 0, shape[0], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				img.SetRGBA(x, y, v.palette.color(v.volume.At(x, y, position)))
			}
		}
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image. PNG keeps label
// colours exact where JPEG would blur them.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	n, err := v.axisLength(axis)
	if err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveMidSlices writes the middle slice along each axis to outputDir and
// returns the written paths.
func (v *Viewer) SaveMidSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for i, axis := range []string{"x", "y", "z"} {
		pos := v.volume.Shape[i] / 2
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("mid_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
