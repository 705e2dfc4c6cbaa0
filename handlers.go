package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	endpointLenMin = 1
	endpointLenMax = 256

	// Largest hook body accepted.
	maxHookBody = 256 * 1024
)

type wsHandler struct {
	reg      *registry
	beats    *heartbeat
	upgrader *websocket.Upgrader
}

func newWsHandler(reg *registry, beats *heartbeat, origin string) wsHandler {
	return wsHandler{
		reg:   reg,
		beats: beats,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origin),
		},
	}
}

// checkOrigin allows every origin unless one is configured.
func checkOrigin(origin string) func(r *http.Request) bool {
	if origin == "" {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		u, err := url.Parse(r.Header.Get("Origin"))
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Scheme+"://"+u.Host, origin)
	}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]
	if !validateEndpoint(w, endpoint) {
		return
	}
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("endpoint", endpoint).Debug("websocket upgrade failed")
		return
	}
	c := newConnection(websocketInteractor{ws}, wsh.reg, wsh.beats, endpoint)
	c.run()
}

type socketPageHandler struct{}

func (socketPageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]
	if !validateEndpoint(w, endpoint) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	webTemplate.Execute(w, templateArgs{Endpoint: endpoint})
}

type hookHandler struct {
	reg *registry
}

func (hh hookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := mux.Vars(r)["endpoint"]
	if !validateEndpoint(w, endpoint) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHookBody))
	if err != nil {
		sendBadRequestError(w, "Unable to read POST body.")
		return
	}
	payload, err := newEnvelope(r, endpoint, body).encode()
	if err != nil {
		logrus.WithError(err).WithField("endpoint", endpoint).Error("unable to encode envelope")
		http.Error(w, "Error: unable to encode event.", http.StatusInternalServerError)
		return
	}
	if err := hh.reg.Publish(r.Context(), endpoint, payload); err != nil {
		logrus.WithError(err).WithField("endpoint", endpoint).Error("publish failed")
		http.Error(w, fmt.Sprintf("Error: %s.", err), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK\n"))
}

type statusHandler struct {
	reg *registry
}

type status struct {
	Node        string         `json:"node"`
	Status      string         `json:"status"`
	Reported    int64          `json:"reported_at"`
	StartupTime int64          `json:"startup_time"`
	Endpoints   int            `json:"endpoints"`
	Connections int            `json:"connections"`
	PerEndpoint map[string]int `json:"per_endpoint"`
}

func (sh statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, err := sh.reg.Snapshot()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %s.", err), http.StatusServiceUnavailable)
		return
	}
	per := make(map[string]int, len(s))
	for endpoint, ids := range s {
		per[endpoint] = len(ids)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status{
		Node:        nodeName(),
		Status:      "OK",
		Reported:    time.Now().Unix(),
		StartupTime: sh.reg.started.Unix(),
		Endpoints:   len(s),
		Connections: s.connections(),
		PerEndpoint: per,
	})
}

// nodeName is the local hostname, used to tell instances apart in /status.
func nodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// corsMiddleware allows any origin to post hooks, and answers preflights.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
		h.Set("Access-Control-Allow-Headers", "Authorization, Accept, Content-Type")
		h.Set("Access-Control-Max-Age", strconv.Itoa(3600))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit caps hook requests across all callers. A zero rate disables it.
func rateLimit(perSecond float64, burst int) mux.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions && !limiter.Allow() {
				incr("hook.limited", 1)
				http.Error(w, "Error: rate limit exceeded.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validateEndpoint(w http.ResponseWriter, endpoint string) bool {
	if !utf8.ValidString(endpoint) {
		sendBadRequestError(w, "Endpoint must be valid Unicode (UTF-8).")
		return false
	}
	n := utf8.RuneCountInString(endpoint)
	if !(endpointLenMin <= n && n <= endpointLenMax) {
		sendBadRequestError(w, fmt.Sprintf(
			"Endpoint length must be %d-%d Unicode characters (UTF-8).",
			endpointLenMin, endpointLenMax))
		return false
	}
	return true
}

func sendBadRequestError(w http.ResponseWriter, str string) {
	http.Error(w,
		fmt.Sprintf("Error: bad request. %s", str),
		http.StatusBadRequest)
}

type templateArgs struct {
	Endpoint string
}

var webTemplate = template.Must(template.New("webTemplate").Parse(`
<html>
<head>
<title>sockethook {{.Endpoint}}</title>
<script type="text/javascript">
    window.addEventListener("load", function() {

    var log = document.getElementById("log");
    var endpoint = {{.Endpoint}};

    function appendLog(text, bold) {
        var doScroll = log.scrollTop == log.scrollHeight - log.clientHeight;
        var item = document.createElement(bold ? "b" : "pre");
        item.textContent = text;
        log.appendChild(item);
        if (doScroll) {
            log.scrollTop = log.scrollHeight - log.clientHeight;
        }
    }

    if (window["WebSocket"]) {
        var scheme = window.location.protocol == "https:" ? "wss://" : "ws://";
        var conn = new WebSocket(scheme + window.location.host + "/socket" + endpoint);
        conn.onopen = function(evt) {
            appendLog("Listening for hooks posted to /hook" + endpoint, true);
        }
        conn.onclose = function(evt) {
            appendLog("Connection closed.", true);
        }
        conn.onmessage = function(evt) {
            try {
                appendLog(JSON.stringify(JSON.parse(evt.data), null, 2));
            } catch (e) {
                appendLog(evt.data);
            }
        }
    } else {
        appendLog("Your browser does not support WebSockets.", true);
    }
    });
</script>
<style type="text/css">
html {
    overflow: hidden;
}

body {
    overflow: hidden;
    padding: 0.5em;
    margin: 0;
    width: 100%;
    height: 100%;
    background: gray;
}

#log {
    background: white;
    margin: 0;
    padding: 0.5em 0.5em 0.5em 0.5em;
    position: absolute;
    top: 2.0em;
    left: 0.5em;
    right: 0.5em;
    bottom: 0.5em;
    overflow: auto;
}

</style>
</head>
<body>
<h3>Websocket client for {{.Endpoint}}</h3>
<div id="log"></div>
</body>
</html>
`))
