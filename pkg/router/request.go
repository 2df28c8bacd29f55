package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// RoutedRequest is one of PythonExec, ShellExec, SQLExec or FileUpload.
type RoutedRequest interface {
	Kind() types.Kind
	User() string
	// encode returns the body and content type sent to the sandbox
	encode() ([]byte, string, error)
}

type PythonExec struct {
	UserID string
	Code   string
}

type ShellExec struct {
	UserID  string
	Command string
}

type SQLExec struct {
	UserID string
	SQL    string
}

type FileUpload struct {
	UserID      string
	FileName    string
	ContentType string
	Content     []byte
}

func (r PythonExec) Kind() types.Kind { return types.KindPython }
func (r ShellExec) Kind() types.Kind  { return types.KindShell }
func (r SQLExec) Kind() types.Kind    { return types.KindSQL }
func (r FileUpload) Kind() types.Kind { return types.KindUpload }

func (r PythonExec) User() string { return r.UserID }
func (r ShellExec) User() string  { return r.UserID }
func (r SQLExec) User() string    { return r.UserID }
func (r FileUpload) User() string { return r.UserID }

const contentTypeJSON = "application/json"

func (r PythonExec) encode() ([]byte, string, error) {
	return encodeJSON(types.CodeRequest{Code: r.Code})
}

func (r ShellExec) encode() ([]byte, string, error) {
	return encodeJSON(types.CommandRequest{Command: r.Command})
}

func (r SQLExec) encode() ([]byte, string, error) {
	return encodeJSON(types.StatementRequest{SQL: r.SQL})
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encode writes the file as the multipart field "file", keeping its content type.
func (r FileUpload) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	contentType := r.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(r.FileName)))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(r.Content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func encodeJSON(v interface{}) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return b, contentTypeJSON, nil
}
