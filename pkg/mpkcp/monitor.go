package mpkcp

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// SlaveSnapshot describes one admitted slave for the debug monitor.
type SlaveSnapshot struct {
	Token     string    `json:"token"`
	ConnID    uint32    `json:"conn_id"`
	Paths     int       `json:"paths"`
	Connected time.Time `json:"connected"`
}

// Snapshotter reports the current set of slaves. *mplink.ServerLink does not
// implement this directly (its Snapshot method returns []mplink.SlaveInfo);
// callers build a small adapter around it, as cmd/mplinkd's slaveTable does.
type Snapshotter interface {
	Snapshot() []SlaveSnapshot
}

// DebugMonitorHandler serves a live-updating list of admitted slaves over
// Server-Sent Events, one line of JSON per event, matching the header set
// and init/packet event framing of pkg/nspkt's DebugMonitorHandler in the
// teacher package, adapted from a packet feed to a slave-table feed.
func DebugMonitorHandler(snap Snapshotter, pollInterval time.Duration) http.Handler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Expires", "0")
		w.Header().Set("Pragma", "no-cache")

		f, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "cannot stream events", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		io.WriteString(w, "event: init\ndata: "+strconv.Itoa(len(snap.Snapshot()))+"\n\n")
		f.Flush()

		t := time.NewTicker(pollInterval)
		defer t.Stop()

		e := json.NewEncoder(w)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				io.WriteString(w, "event: slaves\ndata: ")
				e.Encode(snap.Snapshot())
				io.WriteString(w, "\n")
				f.Flush()
			}
		}
	})
}
