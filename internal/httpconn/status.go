package httpconn

// statusText is a lookup table for the status codes the engine emits.
var statusText = map[int]string{
	100: "100 Continue",
	200: "200 OK",
	302: "302 Found",
	400: "400 Bad Request",
	403: "403 Forbidden",
	404: "404 Not Found",
	413: "413 Payload Too Large",
	500: "500 Internal Server Error",
}

// StatusLine returns the "<code> <title>" portion of a status line for
// the given code, falling back to 500 for unrecognized codes.
func StatusLine(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return statusText[500]
}
