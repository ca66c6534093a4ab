package deeplynx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DownloadQuery selects the rows a data source download covers. Empty
// fields are sent as empty parameters, which the service reads as "no bound".
type DownloadQuery struct {
	StartTime                string
	EndTime                  string
	SecondaryIndexName       string
	SecondaryIndexStartValue uint64
}

// Encode renders the query string. Parameters are always present and in a
// fixed order.
func (q DownloadQuery) Encode() string {
	var b strings.Builder
	b.WriteString("startTime=")
	b.WriteString(url.QueryEscape(q.StartTime))
	b.WriteString("&endTime=")
	b.WriteString(url.QueryEscape(q.EndTime))
	b.WriteString("&secondaryIndexName=")
	b.WriteString(url.QueryEscape(q.SecondaryIndexName))
	b.WriteString("&secondaryIndexStartValue=")
	b.WriteString(strconv.FormatUint(q.SecondaryIndexStartValue, 10))
	return b.String()
}

// ID is a DeepLynx identifier. The service encodes bigint ids as JSON
// strings, but plain numbers are accepted too.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Uint64 parses the id as an unsigned integer.
func (id ID) Uint64() (uint64, error) {
	return strconv.ParseUint(string(id), 10, 64)
}

// DownloadHandle describes a prepared extract file. It must be redeemed
// with DownloadFile; the service may delete the file once it has been read.
type DownloadHandle struct {
	ID           ID      `json:"id"`
	ContainerID  ID      `json:"container_id"`
	DataSourceID *ID     `json:"data_source_id"`
	FileName     string  `json:"file_name"`
	FileSize     float64 `json:"file_size"`
	MD5Hash      string  `json:"md5hash"`
}

// InitiateDownload asks the service to prepare an extract of a data source
// and returns the handle of the prepared file.
func (c *Client) InitiateDownload(ctx context.Context, containerID, dataSourceID uint64, q DownloadQuery) (*DownloadHandle, error) {
	path := fmt.Sprintf("/containers/%d/import/datasources/%d/download?%s", containerID, dataSourceID, q.Encode())
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		return nil, failure(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseParsing, err)
	}
	if env.Error != nil {
		return nil, env.Error.remote(http.StatusInternalServerError)
	}

	value := bytes.TrimSpace(env.Value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return nil, fmt.Errorf("%w: envelope has no value", ErrResponseParsing)
	}

	var handle DownloadHandle
	if err := json.Unmarshal(value, &handle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseParsing, err)
	}
	if handle.ID == "" {
		return nil, fmt.Errorf("%w: download handle has no id", ErrResponseParsing)
	}

	c.logger.Debug("download prepared",
		"container_id", containerID,
		"data_source_id", dataSourceID,
		"file_id", string(handle.ID),
		"file_size", handle.FileSize)

	return &handle, nil
}

// DownloadFile streams a file's bytes. The caller must close the returned
// reader. When deleteAfter is set the service deletes the file once it has
// been read.
func (c *Client) DownloadFile(ctx context.Context, containerID, fileID uint64, deleteAfter bool) (io.ReadCloser, error) {
	path := fmt.Sprintf("/containers/%d/files/%d/download?deleteAfter=%t", containerID, fileID, deleteAfter)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if !success(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, failure(resp)
	}

	return resp.Body, nil
}
