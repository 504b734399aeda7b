// Backend is a small HTTP server for exercising the load balancer by hand.
// It echoes every request with a JSON body naming the backend, which also
// satisfies the balancer's GET health probe. With -unhealthy it answers 503.
//
// Usage:
//
//	go run ./scripts/backend -port 8080 -name A
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

type echoResponse struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
}

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	name := flag.String("name", "", "backend name reported in responses (defaults to the address)")
	unhealthy := flag.Bool("unhealthy", false, "answer every request with 503")
	flag.Parse()

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	if *name == "" {
		*name = addr
	}

	log := logger.New("info", false, "dev").With(slog.String("backend", *name))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *unhealthy {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := echoResponse{
			ID:      uuid.NewString(),
			Backend: *name,
			Method:  r.Method,
			Path:    r.URL.Path,
			Bytes:   len(body),
		}
		log.Info("Request served",
			slog.String("id", resp.ID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr))

		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend-Server", *name)
		w.Write(b)
	})

	log.Info("Starting backend", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Backend failed", slog.Any("err", err))
		os.Exit(1)
	}
}
