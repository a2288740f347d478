// Package filetype decides whether uploaded content may be stored, based on
// the declared file name and magic-byte sniffing.
package filetype

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/gabriel-vasile/mimetype"
)

// SniffLength is how many leading bytes Detect inspects.
const SniffLength = 3072

var blockedExtensions = map[string]struct{}{
	".apk": {}, ".app": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".cpl": {},
	".dll": {}, ".exe": {}, ".hta": {}, ".jar": {}, ".js": {}, ".jse": {},
	".msi": {}, ".msp": {}, ".pif": {}, ".ps1": {}, ".reg": {}, ".scr": {},
	".sh": {}, ".vb": {}, ".vbe": {}, ".vbs": {}, ".wsf": {},
}

var blockedMIME = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-sharedlib",
	"application/x-msi",
}

// strict families must match between the extension and the content.
var strictFamilies = []string{"image/", "audio/", "video/", "application/pdf"}

// Result describes accepted content.
type Result struct {
	// ContentType is the type to store the object with.
	ContentType string
	Sniffed     string
}

// CheckName rejects file names with a blocked extension.
func CheckName(fileName string) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	if _, blocked := blockedExtensions[ext]; blocked {
		return apperr.New(apperr.CodeInvalidFileType, "invalid file type: %s files are not allowed", ext)
	}
	return nil
}

// Validate checks fileName and the head of the content. declared may be
// empty, in which case the type implied by the extension is used.
func Validate(fileName, declared string, head []byte) (Result, error) {
	if err := CheckName(fileName); err != nil {
		return Result{}, err
	}

	sniffed := mimetype.Detect(head)
	for _, m := range blockedMIME {
		if sniffed.Is(m) {
			return Result{}, apperr.New(apperr.CodeInvalidFileType, "invalid file type: executable content is not allowed")
		}
	}

	expected := normalize(declared)
	if expected == "" {
		expected = normalize(mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))))
	}
	if expected == "" || expected == "application/octet-stream" {
		return Result{ContentType: sniffed.String(), Sniffed: sniffed.String()}, nil
	}

	if family := strictFamily(expected); family != "" && !matchesFamily(sniffed, expected, family) {
		return Result{}, apperr.New(apperr.CodeInvalidFileType,
			"invalid file type: content looks like %s, expected %s", normalize(sniffed.String()), expected)
	}
	return Result{ContentType: expected, Sniffed: sniffed.String()}, nil
}

// ValidateReader reads up to SniffLength bytes from r and calls Validate.
func ValidateReader(fileName, declared string, r io.Reader) (Result, error) {
	head := make([]byte, SniffLength)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Result{}, err
	}
	return Validate(fileName, declared, head[:n])
}

func strictFamily(contentType string) string {
	for _, f := range strictFamilies {
		if strings.HasPrefix(contentType, f) {
			return f
		}
	}
	return ""
}

func matchesFamily(sniffed *mimetype.MIME, expected, family string) bool {
	if sniffed.Is(expected) {
		return true
	}
	for m := sniffed; m != nil; m = m.Parent() {
		if strings.HasPrefix(normalize(m.String()), family) {
			return true
		}
	}
	return false
}

func normalize(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}
