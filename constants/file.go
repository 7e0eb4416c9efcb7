package constants

import "strings"

// AllowedImageExtensions holds the accepted upload formats for prescription photos.
var AllowedImageExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
	"tif":  {},
	"tiff": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedImageExt reports whether the extension (with or without dot) is accepted.
func IsAllowedImageExt(ext string) bool {
	_, ok := AllowedImageExtensions[NormalizeExt(ext)]
	return ok
}
