package proxy

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxDecodedSize bounds a decoded body so a small compressed response cannot
// expand without limit.
const maxDecodedSize = 32 << 20

// DecodeBody undoes a Content-Encoding so a captured response can be read by
// content. Unknown encodings and corrupt data return body as is.
func DecodeBody(body []byte, encoding string) []byte {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if len(body) == 0 || encoding == "" || encoding == "identity" {
		return body
	}

	var r io.Reader
	switch encoding {
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer gr.Close()
		r = gr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer zr.Close()
		r = zr
	default:
		return body
	}

	decoded, err := io.ReadAll(io.LimitReader(r, maxDecodedSize))
	if err != nil {
		return body
	}
	return decoded
}
