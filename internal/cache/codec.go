package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// encodeResponse 以 HTTP/1.1 报文格式序列化响应，Content-Length 由 Body 决定。
func encodeResponse(resp *Response) ([]byte, error) {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")

	wire := &http.Response{
		StatusCode:    resp.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(resp.Body)),
	}
	if len(resp.Body) > 0 {
		wire.Body = io.NopCloser(bytes.NewReader(resp.Body))
	}

	var buf bytes.Buffer
	if err := wire.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode cached response: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeResponse(r *bufio.Reader) (*Response, error) {
	wire, err := http.ReadResponse(r, nil)
	if err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	defer wire.Body.Close()

	body, err := io.ReadAll(wire.Body)
	if err != nil {
		return nil, fmt.Errorf("read cached body: %w", err)
	}
	wire.Header.Del("Content-Length")
	return &Response{
		Status: wire.StatusCode,
		Header: wire.Header,
		Body:   body,
	}, nil
}

func decodeResponseBytes(b []byte) (*Response, error) {
	return decodeResponse(bufio.NewReader(bytes.NewReader(b)))
}
