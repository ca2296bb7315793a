package udss

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content codings the admin listener can produce.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

const defaultCompressMinSize = 256

var defaultEncodingOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/x-pem-file",
	"application/openmetrics-text",
}

// Compress wraps h so responses of at least minSize bytes with a textual
// content type are encoded with the client's best accepted coding. The
// status line is held back until the encoding is decided so
// Content-Encoding is always sent with it. A minSize of zero means 256.
func Compress(h http.Handler, minSize int) http.Handler {
	if minSize <= 0 {
		minSize = defaultCompressMinSize
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := selectEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" {
			h.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: encoding, minSize: minSize}
		defer func() { _ = cw.Close() }()
		h.ServeHTTP(cw, r)
	})
}

// selectEncoding picks the first coding in preference order that the
// Accept-Encoding header allows. Codings with q=0 are refused.
func selectEncoding(header string) string {
	accepted := parseAcceptEncoding(header)
	for _, enc := range defaultEncodingOrder {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

func parseAcceptEncoding(header string) map[string]bool {
	out := make(map[string]bool)
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		ok := true
		if q, found := strings.CutPrefix(strings.TrimSpace(params), "q="); found {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				ok = false
			}
		}
		out[name] = ok
	}
	return out
}

type compressWriter struct {
	http.ResponseWriter
	encoding string
	minSize  int

	status  int
	buf     []byte
	enc     io.WriteCloser
	decided bool
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.status != 0 || cw.decided {
		return
	}
	cw.status = code
	if code == http.StatusNoContent || code == http.StatusNotModified {
		_ = cw.decide(false)
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	if cw.decided {
		if cw.enc != nil {
			return cw.enc.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buf = append(cw.buf, b...)
	if len(cw.buf) < cw.minSize {
		return len(b), nil
	}
	if err := cw.decide(true); err != nil {
		return 0, err
	}
	return len(b), nil
}

// decide commits the status line and flushes the buffer, compressed when
// want is set and the response qualifies.
func (cw *compressWriter) decide(want bool) error {
	cw.decided = true
	if cw.status == 0 {
		cw.status = http.StatusOK
	}

	hdr := cw.Header()
	if want && hdr.Get("Content-Encoding") == "" && compressible(hdr.Get("Content-Type")) {
		enc, err := newEncoder(cw.encoding, cw.ResponseWriter)
		if err == nil {
			hdr.Del("Content-Length")
			hdr.Set("Content-Encoding", cw.encoding)
			hdr.Add("Vary", "Accept-Encoding")
			cw.enc = enc
		}
	}

	cw.ResponseWriter.WriteHeader(cw.status)
	buf := cw.buf
	cw.buf = nil
	if len(buf) == 0 {
		return nil
	}
	if cw.enc != nil {
		_, err := cw.enc.Write(buf)
		return err
	}
	_, err := cw.ResponseWriter.Write(buf)
	return err
}

// Close sends anything still buffered and finishes the encoded stream.
func (cw *compressWriter) Close() error {
	if !cw.decided {
		if cw.status == 0 && len(cw.buf) == 0 {
			return nil
		}
		if err := cw.decide(false); err != nil {
			return err
		}
	}
	if cw.enc != nil {
		return cw.enc.Close()
	}
	return nil
}

func (cw *compressWriter) Flush() {
	if !cw.decided {
		_ = cw.decide(len(cw.buf) >= cw.minSize)
	}
	if f, ok := cw.enc.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }

func compressible(contentType string) bool {
	contentType = strings.ToLower(contentType)
	if contentType == "" {
		return false
	}
	for _, t := range compressibleTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

func newEncoder(encoding string, w io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case EncodingGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case EncodingZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case EncodingBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	}
	return nil, http.ErrNotSupported
}
