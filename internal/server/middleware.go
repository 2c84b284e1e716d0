package server

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strings"

	"worktracker/internal/auth"
	"worktracker/internal/domain/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// TokenVerifier checks an access token and returns its claims.
type TokenVerifier interface {
	Verify(accessToken string) (*auth.Claims, error)
}

// BearerAuth rejects requests without a valid access token carrying a role.
func BearerAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			abortWithError(ctx, errors.ErrUnauthorized)
			return
		}

		claims, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		if claims.Role == "" || claims.Subject == "" {
			abortWithError(ctx, errors.ErrTokenInvalid)
			return
		}

		ctx.Set(claimsKey, claims)
		ctx.Next()
	}
}

func claimsFrom(ctx *gin.Context) *auth.Claims {
	v, ok := ctx.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// CORS allows browser clients from the listed origins. Preflight requests
// are answered here and never reach the handlers.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")
		if origin == "" || !(allowed["*"] || allowed[origin]) {
			if ctx.Request.Method == http.MethodOptions && origin != "" {
				ctx.AbortWithStatus(http.StatusForbidden)
				return
			}
			ctx.Next()
			return
		}

		h := ctx.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		addVary(h, "Origin")

		if ctx.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Content-Encoding, Accept-Encoding")
			h.Set("Access-Control-Max-Age", "600")
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

type dualCloser struct {
	io.Reader
	gzipReader io.Closer
	bodyCloser io.Closer
}

func (dc *dualCloser) Close() error {
	var gzErr, bodyErr error
	if dc.gzipReader != nil {
		gzErr = dc.gzipReader.Close()
	}
	if dc.bodyCloser != nil {
		bodyErr = dc.bodyCloser.Close()
	}
	if gzErr != nil {
		return gzErr
	}
	return bodyErr
}

func GzipRequestDecompress() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		encoding := strings.ToLower(ctx.GetHeader("Content-Encoding"))
		if !strings.Contains(encoding, "gzip") {
			ctx.Next()
			return
		}

		gr, err := gzip.NewReader(ctx.Request.Body)
		if err != nil {
			abortWithError(ctx, errors.ErrInvalidGzipRequest)
			return
		}
		ctx.Request.Body = &dualCloser{
			Reader:     gr,
			gzipReader: gr,
			bodyCloser: ctx.Request.Body,
		}
		ctx.Request.Header.Del("Content-Encoding")
		ctx.Request.Header.Del("Content-Length")
		ctx.Next()
	}
}

// Responses shorter than this go out uncompressed.
const minCompressSize = 1024

var nonCompressibleStatuses = map[int]bool{
	http.StatusNoContent:         true,
	http.StatusNotModified:       true,
	http.StatusPartialContent:    true,
	http.StatusMultipleChoices:   true,
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

var compressiblePrefixes = []string{
	"application/json",
	"application/problem+json",
	"text/plain",
	"text/html",
}

// gzipResponseWriter buffers output until minCompressSize bytes are known,
// then either switches to gzip or writes the buffer through unchanged.
type gzipResponseWriter struct {
	gin.ResponseWriter
	gw         *gzip.Writer
	statusCode int
	pending    bytes.Buffer
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	if w.gw != nil {
		n, err := w.gw.Write(data)
		if err != nil {
			return n, errors.ErrGzipCompressionFailed
		}
		return n, nil
	}

	n, _ := w.pending.Write(data)
	if w.pending.Len() >= minCompressSize && w.mayCompress() {
		w.enableGzip()
		if _, err := w.gw.Write(w.pending.Bytes()); err != nil {
			return 0, errors.ErrGzipCompressionFailed
		}
		w.pending.Reset()
	}
	return n, nil
}

func (w *gzipResponseWriter) WriteString(s string) (int, error) { return w.Write([]byte(s)) }

// WriteHeader only records the status; the real header is sent once the body
// is known to be compressed or not.
func (w *gzipResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
}

func (w *gzipResponseWriter) mayCompress() bool {
	if nonCompressibleStatuses[w.statusCode] {
		return false
	}
	h := w.ResponseWriter.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	return isCompressibleContentType(h.Get("Content-Type"))
}

func (w *gzipResponseWriter) enableGzip() {
	h := w.ResponseWriter.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", "gzip")
	addVary(h, "Accept-Encoding")
	w.writeStatus()
	w.gw = gzip.NewWriter(w.ResponseWriter)
}

func (w *gzipResponseWriter) WriteHeaderNow() {
	w.writeStatus()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *gzipResponseWriter) writeStatus() {
	if w.statusCode != 0 {
		w.ResponseWriter.WriteHeader(w.statusCode)
	}
}

// finish flushes whatever is still buffered.
func (w *gzipResponseWriter) finish() error {
	if w.gw != nil {
		if err := w.gw.Close(); err != nil {
			return errors.ErrGzipCompressionFailed
		}
		return nil
	}
	w.writeStatus()
	if w.pending.Len() > 0 {
		_, err := w.ResponseWriter.Write(w.pending.Bytes())
		w.pending.Reset()
		return err
	}
	w.ResponseWriter.WriteHeaderNow()
	return nil
}

func (w *gzipResponseWriter) Flush() {
	if w.gw != nil {
		_ = w.gw.Flush()
	} else {
		w.writeStatus()
		if w.pending.Len() > 0 {
			_, _ = w.ResponseWriter.Write(w.pending.Bytes())
			w.pending.Reset()
		}
	}
	w.ResponseWriter.Flush()
}

func (w *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.Hijack()
}

func (w *gzipResponseWriter) Status() int {
	if w.statusCode != 0 {
		return w.statusCode
	}
	return w.ResponseWriter.Status()
}

func GzipResponseCompress() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.Request.Method == http.MethodHead {
			ctx.Next()
			return
		}
		if !strings.Contains(strings.ToLower(ctx.GetHeader("Accept-Encoding")), "gzip") {
			ctx.Next()
			return
		}

		addVary(ctx.Writer.Header(), "Accept-Encoding")
		gw := &gzipResponseWriter{ResponseWriter: ctx.Writer}
		ctx.Writer = gw

		ctx.Next()

		if err := gw.finish(); err != nil {
			_ = ctx.Error(err)
		}
	}
}

func isCompressibleContentType(ct string) bool {
	lower := strings.ToLower(ct)
	for _, prefix := range compressiblePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func addVary(h http.Header, value string) {
	vary := h.Get("Vary")
	switch {
	case vary == "":
		h.Set("Vary", value)
	case !strings.Contains(vary, value):
		h.Set("Vary", vary+", "+value)
	}
}
