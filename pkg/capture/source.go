package capture

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/Danejw/companion-core/pkg/core"
)

// ImageSource produces still frames for the image channel. A desktop
// build backs this with a camera, tests and the CLI use FileSource.
type ImageSource interface {
	Grab() (Image, error)
}

// FileSource serves frames from a fixed image file on disk.
type FileSource struct {
	Path string
}

func (s FileSource) Grab() (Image, error) {
	return LoadImage(s.Path)
}

// LoadImage reads the file at path and returns it as a capture Image.
func LoadImage(path string) (Image, error) {
	format, ok := imageFormat(path)
	if !ok {
		return Image{}, core.NewCapabilityError("unsupported image type: "+filepath.Ext(path), nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, core.NewCapabilityError("read image", err)
	}
	return Image{
		ID:     newImageID(),
		Format: format,
		Data:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

func imageFormat(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg", true
	case ".png":
		return "png", true
	}
	return "", false
}

func newImageID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "img-00000000"
	}
	return "img-" + hex.EncodeToString(b[:])
}
