package image

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	dataScheme      = "data:"
	base64Marker    = ";base64"
	defaultMIMEType = "application/octet-stream"
)

// CandidateExtensions are probed when the extension of a remote object is
// not known.
var CandidateExtensions = []string{"jpg", "jpeg", "png", "webp", "gif", "heic"}

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
	"image/heic": "heic",
}

var mimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
	"heic": "image/heic",
}

// ParseMIME returns the MIME type embedded in a data URL payload.
func ParseMIME(payload string) (string, error) {
	header, _, err := split(payload)
	if err != nil {
		return "", err
	}
	mime := strings.TrimSuffix(header, base64Marker)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		return defaultMIMEType, nil
	}
	return strings.ToLower(mime), nil
}

// Decode returns the MIME type of payload and a reader over its binary
// content. The base64 body is decoded as it is read.
func Decode(payload string) (string, io.Reader, error) {
	header, data, err := split(payload)
	if err != nil {
		return "", nil, err
	}
	if !strings.HasSuffix(header, base64Marker) {
		return "", nil, fmt.Errorf("%w: only base64 data urls are supported", ErrInvalidPayload)
	}
	mime, err := ParseMIME(payload)
	if err != nil {
		return "", nil, err
	}
	return mime, base64.NewDecoder(base64.StdEncoding, strings.NewReader(data)), nil
}

// DecodeBytes is Decode followed by reading the whole body.
func DecodeBytes(payload string) (string, []byte, error) {
	mime, r, err := Decode(payload)
	if err != nil {
		return "", nil, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return mime, b, nil
}

// Encode builds a base64 data URL for data.
func Encode(mime string, data []byte) string {
	if mime == "" {
		mime = defaultMIMEType
	}
	var sb strings.Builder
	sb.Grow(len(dataScheme) + len(mime) + len(base64Marker) + 1 + base64.StdEncoding.EncodedLen(len(data)))
	sb.WriteString(dataScheme)
	sb.WriteString(mime)
	sb.WriteString(base64Marker)
	sb.WriteByte(',')
	sb.WriteString(base64.StdEncoding.EncodeToString(data))
	return sb.String()
}

// Extension maps a MIME type to the extension used for remote object keys.
// Unknown types fall back to jpg.
func Extension(mime string) string {
	if ext, ok := extensions[strings.ToLower(mime)]; ok {
		return ext
	}
	return "jpg"
}

// MIMEFromExtension is the inverse of Extension for the known types.
func MIMEFromExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if mime, ok := mimeTypes[ext]; ok {
		return mime
	}
	return defaultMIMEType
}

func split(payload string) (header, data string, err error) {
	if !strings.HasPrefix(payload, dataScheme) {
		return "", "", fmt.Errorf("%w: missing %q prefix", ErrInvalidPayload, dataScheme)
	}
	header, data, found := strings.Cut(payload[len(dataScheme):], ",")
	if !found {
		return "", "", fmt.Errorf("%w: missing data separator", ErrInvalidPayload)
	}
	return header, data, nil
}
