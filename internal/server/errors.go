package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail is the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON is the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusBadGateway: {
		Title:   "502 Bad Gateway",
		Heading: "Bad Gateway",
		Message: "The upstream server returned an invalid response.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The upstream server is currently unavailable.",
	},
}

// PrefersJSON reports whether an Accept header value ranks application/json
// above every other acceptable type. Ties on q-value go to the more specific
// media type, then to the one listed first. An empty header prefers HTML.
func PrefersJSON(accept string) bool {
	if accept == "" {
		return false
	}
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer
	for i, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		mediaType, q := part, 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				v, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || v < 0 || v > 1 {
					v = 0
				}
				q = v
				break
			}
		}
		// q=0 means "not acceptable" (RFC 7231, 5.3.2).
		if q <= 0 || mediaType == "" {
			continue
		}
		mediaType = strings.ToLower(mediaType)
		offers = append(offers, offer{
			mediaType: mediaType,
			q:         q,
			specific:  !strings.HasSuffix(mediaType, "/*"),
			order:     i,
		})
	}
	if len(offers) == 0 {
		return false
	}
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// ErrorBody renders the body and content type of a default error response,
// negotiated against the request's Accept header.
func ErrorBody(statusCode int, accept, detail string, lg *logger.Logger) (body []byte, contentType string) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detail,
		}})
		if err == nil {
			return b, "application/json; charset=utf-8"
		}
		if lg != nil {
			lg.Error("failed to marshal JSON error response, falling back to HTML", logger.LogFields{"error": err.Error(), "status": statusCode})
		}
	}

	msg, known := defaultHTMLMessages[statusCode]
	if !known {
		msg = htmlMessage{
			Title:   fmt.Sprintf("%d %s", statusCode, statusText),
			Heading: statusText,
			Message: "The server encountered an error processing your request.",
		}
	}
	text := msg.Message
	if detail != "" {
		if known {
			text += " " + html.EscapeString(detail)
		} else {
			text = html.EscapeString(detail)
		}
	}
	return htmlErrorPage(msg.Title, msg.Heading, text), "text/html; charset=utf-8"
}

func htmlErrorPage(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}

// WriteErrorResponse sends a complete default error response on w. req may
// be nil, in which case the body is HTML. extra headers are added to the
// response, e.g. x-relay-error.
func WriteErrorResponse(w http2.StreamWriter, statusCode int, req *http.Request, detail string, extra http.Header, lg *logger.Logger) error {
	accept := ""
	if req != nil {
		accept = req.Header.Get("Accept")
	}
	body, contentType := ErrorBody(statusCode, accept, detail, lg)

	h := http.Header{}
	for k, vv := range extra {
		h[k] = append([]string(nil), vv...)
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if err := w.SendHeaders(http2.ResponseHeaders(statusCode, h), len(body) == 0); err != nil {
		return fmt.Errorf("failed to send error response headers (status %d) on stream %d: %w", statusCode, w.ID(), err)
	}
	if len(body) > 0 {
		if _, err := w.WriteData(body, true); err != nil {
			return fmt.Errorf("failed to send error response body (status %d) on stream %d: %w", statusCode, w.ID(), err)
		}
	}
	return nil
}
