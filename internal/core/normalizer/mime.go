package normalizer

import (
	"mime"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"
)

const octetStream = "application/octet-stream"

// extraTypes covers image formats neither docconv nor the builtin table know.
var extraTypes = map[string]string{
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

var mimeAliases = map[string]string{
	"image/tif":      "image/tiff",
	"image/jpg":      "image/jpeg",
	"image/x-ms-bmp": "image/bmp",
}

// supportedImageTypes are passed through as single page documents.
var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/tiff": true,
	"image/bmp":  true,
	"image/webp": true,
}

// DetectMime guesses a MIME type from the file extension.
func DetectMime(filename string) string {
	t := docconv.MimeTypeByExtension(filename)
	if t == octetStream {
		ext := strings.ToLower(filepath.Ext(filename))
		if known, ok := extraTypes[ext]; ok {
			t = known
		} else if byExt := mime.TypeByExtension(ext); byExt != "" {
			t = byExt
		}
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if alias, ok := mimeAliases[t]; ok {
		t = alias
	}
	return t
}

// IsSupportedImage reports whether mimeType is a raster format the enhancer can decode.
func IsSupportedImage(mimeType string) bool {
	return supportedImageTypes[mimeType]
}
