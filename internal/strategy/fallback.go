package strategy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// Source 标识响应的来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceQueued   Source = "queued"
)

const (
	HeaderStrategy = "X-Offline-Strategy"
	HeaderSource   = "X-Offline-Source"
)

const (
	offlineAPIMessage   = "You appear to be offline. Please check your connection."
	offlineQueueMessage = "You are offline. The request will be sent when the connection is restored."
	offlineDropMessage  = "You are offline and the request could not be saved. Please retry later."
)

// DefaultOfflinePage 在未配置或未缓存离线页时返回。
var DefaultOfflinePage = []byte(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body{font-family:system-ui,sans-serif;display:flex;min-height:100vh;align-items:center;justify-content:center;margin:0;background:#f7f7f8;color:#222}
main{text-align:center;max-width:28rem;padding:2rem}
button{margin-top:1rem;padding:.5rem 1.25rem;border:0;border-radius:.375rem;background:#2563eb;color:#fff;cursor:pointer}
</style>
</head>
<body>
<main>
<h1>You're offline</h1>
<p>Your answers are saved. This page will work again as soon as the connection is back.</p>
<button onclick="location.reload()">Try again</button>
</main>
</body>
</html>
`)

type offlineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
	Queued  *bool  `json:"queued,omitempty"`
}

func offlineUnavailable(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("unavailable offline"))
}

func offlineJSON(req *http.Request) *http.Response {
	return jsonResponse(req, offlineBody{Error: "offline", Message: offlineAPIMessage, Offline: true})
}

func offlineQueued(req *http.Request, queued bool) *http.Response {
	msg := offlineQueueMessage
	if !queued {
		msg = offlineDropMessage
	}
	return jsonResponse(req, offlineBody{Error: "offline", Message: msg, Offline: true, Queued: &queued})
}

func offlinePage(req *http.Request, page []byte) *http.Response {
	if len(page) == 0 {
		page = DefaultOfflinePage
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", page)
}

func jsonResponse(req *http.Request, body offlineBody) *http.Response {
	data, _ := json.Marshal(body)
	return syntheticResponse(req, http.StatusServiceUnavailable, "application/json", data)
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
