package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/neuroinfer/segserve/internal/eventbus"
	"github.com/neuroinfer/segserve/internal/httputil"
)

// handleStream implements GET /stream/{sid}: an SSE stream of signed
// events, terminating on a job_* terminal event or stream_end.
func handleStream(svc *Service) http.HandlerFunc {
	return streamHandler(svc, func(r *http.Request) string { return mux.Vars(r)["sid"] })
}

// handleSimStream implements GET /stream/roast/{sid} and
// /stream/simnibs/{sid}: the same SSE mechanics as handleStream, since
// events for a session live in one signed list regardless of which
// scheduler published them.
func handleSimStream(svc *Service) http.HandlerFunc {
	return streamHandler(svc, func(r *http.Request) string { return mux.Vars(r)["sid"] })
}

func streamHandler(svc *Service, sessionID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalError(w, "streaming unsupported")
			return
		}

		sid := sessionID(r)
		fromSeq := httputil.QueryInt64(r, "from_seq", 0)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		items, errs := svc.Bus.Stream(r.Context(), sid, fromSeq, streamPoll)
		for {
			select {
			case <-r.Context().Done():
				return
			case err, open := <-errs:
				if open && err != nil && svc.Logger != nil {
					svc.Logger.WithSession(sid).WithError(err).Error("stream error")
				}
				fmt.Fprintf(w, "event: stream_end\ndata: {}\n\n")
				flusher.Flush()
				return
			case item, open := <-items:
				if !open {
					fmt.Fprintf(w, "event: stream_end\ndata: {}\n\n")
					flusher.Flush()
					return
				}
				if item.Heartbeat {
					fmt.Fprint(w, ": heartbeat\n\n")
					flusher.Flush()
					continue
				}
				wire, err := eventbus.Marshal(*item.Envelope)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", wire)
				flusher.Flush()
			}
		}
	}
}
