package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"worktracker/internal/auth"
	"worktracker/internal/domain/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRequestDecompress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GzipRequestDecompress())
	router.POST("/test", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"body": string(body)})
	})

	tests := []struct {
		name            string
		content         string
		compress        bool
		contentEncoding string
		want            struct {
			statusCode int
			body       string
		}
	}{
		{
			name:    "uncompressed request",
			content: `{"name":"Alpha"}`,
			want: struct {
				statusCode int
				body       string
			}{
				statusCode: http.StatusOK,
				body:       "Alpha",
			},
		},
		{
			name:            "gzip compressed request",
			content:         `{"name":"Alpha"}`,
			compress:        true,
			contentEncoding: "gzip",
			want: struct {
				statusCode int
				body       string
			}{
				statusCode: http.StatusOK,
				body:       "Alpha",
			},
		},
		{
			name:            "invalid gzip body",
			content:         "not gzip at all",
			contentEncoding: "gzip",
			want: struct {
				statusCode int
				body       string
			}{
				statusCode: http.StatusBadRequest,
				body:       errors.ErrInvalidGzipRequest.Error(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(tt.content)
			if tt.compress {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				_, _ = gz.Write([]byte(tt.content))
				require.NoError(t, gz.Close())
				body = &buf
			}

			req := httptest.NewRequest(http.MethodPost, "/test", body)
			if tt.contentEncoding != "" {
				req.Header.Set("Content-Encoding", tt.contentEncoding)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want.statusCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.want.body)
		})
	}
}

func TestGzipResponseCompress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GzipResponseCompress())
	router.GET("/small", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	router.GET("/large", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": strings.Repeat("задача ", 400)})
	})
	router.GET("/empty", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name           string
		path           string
		acceptEncoding string
		want           struct {
			statusCode      int
			contentEncoding string
		}
	}{
		{
			name:           "large body is compressed",
			path:           "/large",
			acceptEncoding: "gzip, deflate",
			want: struct {
				statusCode      int
				contentEncoding string
			}{statusCode: http.StatusOK, contentEncoding: "gzip"},
		},
		{
			name:           "small body stays plain",
			path:           "/small",
			acceptEncoding: "gzip",
			want: struct {
				statusCode      int
				contentEncoding string
			}{statusCode: http.StatusOK},
		},
		{
			name: "client without gzip support",
			path: "/large",
			want: struct {
				statusCode      int
				contentEncoding string
			}{statusCode: http.StatusOK},
		},
		{
			name:           "status without body keeps its code",
			path:           "/empty",
			acceptEncoding: "gzip",
			want: struct {
				statusCode      int
				contentEncoding string
			}{statusCode: http.StatusNoContent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want.statusCode, w.Code)
			assert.Equal(t, tt.want.contentEncoding, w.Header().Get("Content-Encoding"))
			if tt.want.statusCode == http.StatusNoContent {
				return
			}

			raw := w.Body.Bytes()
			if tt.want.contentEncoding == "gzip" {
				gr, err := gzip.NewReader(bytes.NewReader(raw))
				require.NoError(t, err)
				raw, err = io.ReadAll(gr)
				require.NoError(t, err)
			}
			var payload map[string]string
			require.NoError(t, json.Unmarshal(raw, &payload))
			assert.NotEmpty(t, payload["message"])
		})
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS([]string{"http://localhost:3000"}))
	router.GET("/projects", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"projects": []string{}})
	})

	tests := []struct {
		name   string
		method string
		origin string
		want   struct {
			statusCode  int
			allowOrigin string
		}
	}{
		{
			name:   "allowed origin",
			method: http.MethodGet,
			origin: "http://localhost:3000",
			want: struct {
				statusCode  int
				allowOrigin string
			}{statusCode: http.StatusOK, allowOrigin: "http://localhost:3000"},
		},
		{
			name:   "preflight from allowed origin",
			method: http.MethodOptions,
			origin: "http://localhost:3000",
			want: struct {
				statusCode  int
				allowOrigin string
			}{statusCode: http.StatusNoContent, allowOrigin: "http://localhost:3000"},
		},
		{
			name:   "foreign origin gets no CORS headers",
			method: http.MethodGet,
			origin: "http://evil.example",
			want: struct {
				statusCode  int
				allowOrigin string
			}{statusCode: http.StatusOK},
		},
		{
			name:   "preflight from foreign origin",
			method: http.MethodOptions,
			origin: "http://evil.example",
			want: struct {
				statusCode  int
				allowOrigin string
			}{statusCode: http.StatusForbidden},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/projects", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want.statusCode, w.Code)
			assert.Equal(t, tt.want.allowOrigin, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

type stubVerifier struct {
	claims *auth.Claims
	err    error
}

func (s stubVerifier) Verify(string) (*auth.Claims, error) {
	return s.claims, s.err
}

func TestBearerAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	devClaims := &auth.Claims{Role: "developer", RegisteredClaims: jwt.RegisteredClaims{Subject: "user-dev-01"}}

	tests := []struct {
		name     string
		header   string
		verifier stubVerifier
		want     struct {
			statusCode int
			kind       string
		}
	}{
		{
			name:     "valid token",
			header:   "Bearer abc.def.ghi",
			verifier: stubVerifier{claims: devClaims},
			want: struct {
				statusCode int
				kind       string
			}{statusCode: http.StatusOK},
		},
		{
			name:   "missing header",
			header: "",
			want: struct {
				statusCode int
				kind       string
			}{statusCode: http.StatusUnauthorized, kind: "Unauthorized"},
		},
		{
			name:   "wrong scheme",
			header: "Basic YWRtaW46YWRtaW4xMjM=",
			want: struct {
				statusCode int
				kind       string
			}{statusCode: http.StatusUnauthorized, kind: "Unauthorized"},
		},
		{
			name:     "expired token",
			header:   "Bearer abc.def.ghi",
			verifier: stubVerifier{err: errors.ErrTokenExpired},
			want: struct {
				statusCode int
				kind       string
			}{statusCode: http.StatusUnauthorized, kind: "TokenExpired"},
		},
		{
			name:     "token without role",
			header:   "Bearer abc.def.ghi",
			verifier: stubVerifier{claims: &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-dev-01"}}},
			want: struct {
				statusCode int
				kind       string
			}{statusCode: http.StatusUnauthorized, kind: "TokenInvalid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/me", BearerAuth(tt.verifier), func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"sub": subjectOf(c)})
			})

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want.statusCode, w.Code)
			if tt.want.statusCode == http.StatusOK {
				assert.Contains(t, w.Body.String(), "user-dev-01")
				return
			}
			var body errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want.kind, body.Kind)
		})
	}
}
