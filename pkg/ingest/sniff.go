package ingest

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// UnsupportedTypeError reports content whose sniffed type is outside the
// supported image formats.
type UnsupportedTypeError struct {
	MIME string
	Err  error
}

func (e *UnsupportedTypeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unsupported content: %v", e.Err)
	}
	return fmt.Sprintf("unsupported content type %q", e.MIME)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return e.Err
}

// supportedTypes is the closed table of accepted formats.
var supportedTypes = []struct {
	mime string
	ext  string
}{
	{mime: "image/jpeg", ext: "jpg"},
	{mime: "image/png", ext: "png"},
}

// DetectType sniffs the file at path from its leading bytes and returns the
// extension for its format. Anything outside the supported table, or a
// detection failure, is an *UnsupportedTypeError.
func DetectType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", &UnsupportedTypeError{Err: err}
	}
	return extensionFor(mt)
}

// extensionFor accepts mt or any of its ancestors, so subtypes such as
// animated PNG count as their base format.
func extensionFor(mt *mimetype.MIME) (string, error) {
	for m := mt; m != nil; m = m.Parent() {
		for _, t := range supportedTypes {
			if m.Is(t.mime) {
				return t.ext, nil
			}
		}
	}
	return "", &UnsupportedTypeError{MIME: mt.String()}
}

// FinalName returns the stored file name for trigger with extension ext. A
// trigger that already carries the extension is returned unchanged.
func FinalName(trigger, ext string) string {
	suffix := "." + ext
	if strings.HasSuffix(trigger, suffix) {
		return trigger
	}
	return trigger + suffix
}
