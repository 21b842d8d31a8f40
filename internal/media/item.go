package media

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/strift/pkg/models"
)

// DefaultContentType is used when neither the extension nor the bytes say otherwise.
const DefaultContentType = "image/jpeg"

// sniffLen is how many bytes http.DetectContentType looks at.
const sniffLen = 512

var ErrUnsupportedMedia = errors.New("unsupported media type")

// ItemFromFile builds a MediaItem for an image on disk. The file is sniffed but not
// loaded; the upload streams it later.
func ItemFromFile(path string) (models.MediaItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return models.MediaItem{}, fmt.Errorf("read media %s: %w", path, err)
	}

	ct, err := detectContentType(path, head[:n])
	if err != nil {
		return models.MediaItem{}, err
	}
	return models.MediaItem{
		Ref:         path,
		Name:        filepath.Base(path),
		ContentType: ct,
	}, nil
}

// ItemFromBytes builds a MediaItem for an in-memory image.
func ItemFromBytes(name string, data []byte) (models.MediaItem, error) {
	if len(data) == 0 {
		return models.MediaItem{}, ErrEmptyItem
	}
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	ct, err := detectContentType(name, head)
	if err != nil {
		return models.MediaItem{}, err
	}
	return models.MediaItem{
		Name:        name,
		ContentType: ct,
		Data:        append([]byte(nil), data...),
	}, nil
}

// detectContentType prefers the file extension and falls back to sniffing.
// Anything that is not an image is rejected.
func detectContentType(name string, head []byte) (string, error) {
	ct := ""
	if ext := filepath.Ext(name); ext != "" {
		ct = mime.TypeByExtension(strings.ToLower(ext))
	}
	if ct == "" && len(head) > 0 {
		ct = http.DetectContentType(head)
	}
	if ct == "" || ct == "application/octet-stream" {
		return DefaultContentType, nil
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%w: %s is %s", ErrUnsupportedMedia, name, ct)
	}
	return ct, nil
}

// Extension returns the file extension (without dot) used when naming an upload part.
func Extension(contentType string) string {
	switch contentType {
	case "image/jpeg", "":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/heic":
		return "heic"
	case "image/gif":
		return "gif"
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "jpg"
}
