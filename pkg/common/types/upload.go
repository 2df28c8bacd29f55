package types

import "mime"

// RawFileName returns the filename parameter of a multipart Content-Disposition
// header exactly as the client sent it. mime/multipart reduces FileHeader.Filename
// to its base name, which would hide traversal attempts from validation.
func RawFileName(disposition, fallback string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return fallback
	}
	if name, ok := params["filename"]; ok {
		return name
	}
	return fallback
}
