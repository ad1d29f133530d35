package middleware

import (
	"bufio"
	"errors"
	"log"
	"net"
	"net/http"
	"time"
)

// slowRequest flags handlers that outlast a coordination tick.
const slowRequest = time.Second

type responseMeta struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeta) WriteHeader(code int) {
	m.status = code
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeta) Write(b []byte) (int, error) {
	n, err := m.ResponseWriter.Write(b)
	m.bytes += n
	return n, err
}

// Hijack keeps the websocket upgrade path working behind the wrapper.
func (m *responseMeta) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := m.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (m *responseMeta) Flush() {
	if f, ok := m.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := &responseMeta{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(meta, r)
		elapsed := time.Since(start)

		agent := r.Header.Get("X-Agent-ID")
		if agent == "" {
			agent = "-"
		}
		log.Printf("[http] %s %s agent=%s status=%d bytes=%d dur=%s",
			r.Method, r.URL.Path, agent, meta.status, meta.bytes, elapsed)
		if elapsed > slowRequest {
			log.Printf("[http] slow request: %s %s took %s", r.Method, r.URL.Path, elapsed)
		}
	})
}
