package dispatcher

import (
	"fmt"
	"net/http"
)

// statusResponse builds a minimal HTTP/1.1 response the balancer sends on its
// own behalf, e.g. when no backend can take the request.
func statusResponse(code int) []byte {
	text := http.StatusText(code)
	body := text + "\n"

	return fmt.Appendf(nil,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, text, len(body), body)
}
