package stream

import "net/http"

// ServeCopy drains a subprocess stream into the response until the client
// disconnects or the child exits, then tears the child down.
func ServeCopy(w http.ResponseWriter, r *http.Request, s *Stream, contentType string) {
	defer s.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", contentType)
	setStreamingHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.Chunks:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
