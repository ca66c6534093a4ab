package deeplynx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// importField is the multipart field DeepLynx reads uploaded files from.
const importField = "data"

// extensionTypes covers the tabular formats DeepLynx ingests, which the
// system MIME table often lacks.
var extensionTypes = map[string]string{
	".csv":     "text/csv",
	".tsv":     "text/tab-separated-values",
	".json":    "application/json",
	".jsonl":   "application/x-ndjson",
	".ndjson":  "application/x-ndjson",
	".xml":     "application/xml",
	".parquet": "application/vnd.apache.parquet",
}

type importKind int

const (
	importNone importKind = iota
	importFile
	importBytes
)

// ImportSource is the payload of an Import: a file on disk or raw JSON
// bytes, never both. The zero value is an empty source and is rejected.
type ImportSource struct {
	kind importKind
	path string
	data []byte
}

// FromFile returns a source that uploads the file at path as multipart form
// data, with the content type guessed from its extension.
func FromFile(path string) ImportSource {
	return ImportSource{kind: importFile, path: path}
}

// FromBytes returns a source that sends data as a JSON request body.
func FromBytes(data []byte) ImportSource {
	return ImportSource{kind: importBytes, data: data}
}

// ContentTypeFor guesses the content type of a file from its extension.
func ContentTypeFor(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extensionTypes[ext]; ok {
		return ct, nil
	}
	if ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownContentType, filepath.Base(path))
}

// Import pushes data into a data source.
func (c *Client) Import(ctx context.Context, containerID, dataSourceID uint64, src ImportSource) error {
	path := fmt.Sprintf("/containers/%d/import/datasources/%d/imports?fastLoad=true", containerID, dataSourceID)

	var (
		body        io.Reader
		contentType string
	)

	switch {
	case src.kind == importFile:
		ct, err := ContentTypeFor(src.path)
		if err != nil {
			return err
		}
		f, err := os.Open(src.path)
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeMultipart(mw, f, filepath.Base(src.path), ct))
		}()
		defer pr.Close()

		body = pr
		contentType = mw.FormDataContentType()

	case src.kind == importBytes && src.data != nil:
		body = bytes.NewReader(src.data)
		contentType = "application/json"

	default:
		return ErrMissingFields
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		return failure(resp)
	}

	// a success status can still carry an error envelope
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&env); err == nil && env.Error != nil {
		return env.Error.remote(http.StatusInternalServerError)
	}

	c.logger.Info("import sent", "container_id", containerID, "data_source_id", dataSourceID)
	return nil
}

func writeMultipart(mw *multipart.Writer, r io.Reader, filename, contentType string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     importField,
		"filename": filename,
	}))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}
