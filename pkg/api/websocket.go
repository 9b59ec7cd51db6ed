package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
)

// A long-running range scan is a push stream rather than a single JSON
// response once a range spans enough rows to matter.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleScanRangeStream sends rowResponse values one per WebSocket text
// frame instead of as one JSON response body. The range scan itself is
// collected in full before the first frame is written.
func (s *Server) handleScanRangeStream(w http.ResponseWriter, r *http.Request) {
	e, err := s.cfEngine(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	req := scanRangeRequest{
		StartRow:    []byte(q.Get("start_row")),
		EndRow:      []byte(q.Get("end_row")),
		MaxVersions: queryInt(q, "max_versions"),
	}

	rows, err := e.ScanRange(req.StartRow, req.EndRow, req.MaxVersions)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("scan_range stream: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for _, resp := range applyRowFilter(rows, nil) {
		payload, err := json.Marshal(resp)
		if err != nil {
			log.Printf("scan_range stream: marshal row: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("scan_range stream: write: %v", err)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

func queryInt(q url.Values, key string) int {
	n, _ := strconv.Atoi(q.Get(key))
	return n
}
