package domain

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// sizeCaps are operator policy; callers must not depend on the exact values.
var sizeCaps = map[Format]int64{
	FormatPDF:          100 << 20,
	FormatImage:        20 << 20,
	FormatText:         10 << 20,
	FormatDoclike:      50 << 20,
	FormatSpreadsheet:  50 << 20,
	FormatPresentation: 100 << 20,
	FormatAV:           500 << 20,
}

var (
	pdfMagic  = []byte("%PDF-")
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gif87     = []byte("GIF87a")
	gif89     = []byte("GIF89a")
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	ftypMark  = []byte("ftyp")
)

var docLikeExt = map[string]bool{".docx": true, ".odt": true, ".rtf": true}
var spreadsheetExt = map[string]bool{".xlsx": true, ".csv": true, ".ods": true}
var presentationExt = map[string]bool{".pptx": true, ".odp": true}
var avExt = map[string]bool{".mp4": true, ".mov": true, ".mp3": true, ".wav": true, ".m4a": true, ".avi": true, ".mkv": true}
var imageExt = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true}
var textExt = map[string]bool{".txt": true, ".md": true, ".log": true}

// DetectFormat inspects magic bytes first, falling back to the file
// extension, and rejects a mismatch between the two.
func DetectFormat(blob []byte, sourceName string) (Format, error) {
	if len(blob) == 0 {
		return "", NewValidationError("empty blob", ErrEmptyBlob)
	}

	byMagic := detectByMagic(blob)
	ext := strings.ToLower(filepath.Ext(sourceName))
	byExt := detectByExt(ext)

	switch {
	case byMagic == "" && byExt == "":
		return "", NewValidationError("unrecognized format (magic and extension both unknown)", ErrUnsupportedFormat)
	case byMagic == "":
		return byExt, nil
	case byExt == "":
		return byMagic, nil
	case byMagic != byExt:
		return "", NewValidationError("magic bytes indicate "+string(byMagic)+" but extension indicates "+string(byExt), ErrUnsupportedFormat)
	default:
		return byMagic, nil
	}
}

func detectByMagic(blob []byte) Format {
	switch {
	case bytes.HasPrefix(blob, pdfMagic):
		return FormatPDF
	case bytes.HasPrefix(blob, pngMagic), bytes.HasPrefix(blob, jpegMagic),
		bytes.HasPrefix(blob, gif87), bytes.HasPrefix(blob, gif89):
		return FormatImage
	case bytes.HasPrefix(blob, zipMagic):
		// Office Open XML formats are all zip containers; magic bytes alone
		// cannot distinguish doc/sheet/slide — defer to the extension.
		return ""
	case len(blob) > 12 && bytes.Equal(blob[4:8], ftypMark):
		return FormatAV
	case utf8.Valid(blob) && isMostlyPrintable(blob):
		return FormatText
	default:
		return ""
	}
}

func detectByExt(ext string) Format {
	switch {
	case ext == ".pdf":
		return FormatPDF
	case imageExt[ext]:
		return FormatImage
	case textExt[ext]:
		return FormatText
	case docLikeExt[ext]:
		return FormatDoclike
	case spreadsheetExt[ext]:
		return FormatSpreadsheet
	case presentationExt[ext]:
		return FormatPresentation
	case avExt[ext]:
		return FormatAV
	default:
		return ""
	}
}

func isMostlyPrintable(blob []byte) bool {
	limit := len(blob)
	if limit > 4096 {
		limit = 4096
	}
	control := 0
	for _, b := range blob[:limit] {
		if b < 0x09 || (b > 0x0D && b < 0x20) {
			control++
		}
	}
	return control*20 < limit // allow up to 5% control bytes
}

// Validate runs format detection and the per-format size cap, returning the
// detected format or a ValidationError.
func Validate(blob []byte, sourceName string) (Format, error) {
	format, err := DetectFormat(blob, sourceName)
	if err != nil {
		return "", err
	}
	cap, ok := sizeCaps[format]
	if ok && int64(len(blob)) > cap {
		return "", NewValidationError("size exceeds cap for "+string(format), ErrTooLarge)
	}
	return format, nil
}
