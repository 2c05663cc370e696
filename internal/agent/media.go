package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevinhive/clawgate/internal/providers"
)

// maxImageBytes bounds how much of a single attached image loadImages
// will read into memory before giving up on it.
const maxImageBytes = 10 * 1024 * 1024

var imageMimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// loadImages reads local image attachments and base64-encodes them for
// the provider's vision payload. Anything that isn't a recognized image
// extension, or that fails to stat/read within the size budget, is
// dropped with a warning rather than failing the whole turn.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	images := make([]providers.ImageContent, 0, len(paths))
	for _, p := range paths {
		mime, ok := imageMimeByExt[strings.ToLower(filepath.Ext(p))]
		if !ok {
			continue
		}

		if fi, err := os.Stat(p); err == nil && fi.Size() > maxImageBytes {
			slog.Warn("vision: image file too large, skipping", "path", p, "size", fi.Size())
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: failed to read image file", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("vision: image file too large, skipping", "path", p, "size", len(data))
			continue
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	if len(images) == 0 {
		return nil
	}
	return images
}
