package stream

import (
	"net/http"

	"library-notifications/notifier/internal/fanout"
	"library-notifications/notifier/internal/ingest"
	"library-notifications/shared/httpx"
)

type StateReporter interface {
	State() ingest.State
}

type Sizer interface {
	Len() int
}

type StatsResponse struct {
	Subscribers  map[string]int    `json:"subscribers"`
	DedupEntries int               `json:"dedup_entries"`
	Adapters     map[string]string `json:"adapters"`
}

// StatsHandler reports live subscriber counts, the dedup window size and the
// ingest adapter states.
func StatsHandler(registry *fanout.Registry, dedupCache Sizer, adapters map[string]StateReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.WriteError(w, r, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed", nil)
			return
		}
		resp := StatsResponse{
			Subscribers: map[string]int{"total": 0},
			Adapters:    make(map[string]string, len(adapters)),
		}
		for transport, n := range registry.Counts() {
			resp.Subscribers[string(transport)] = n
			resp.Subscribers["total"] += n
		}
		if dedupCache != nil {
			resp.DedupEntries = dedupCache.Len()
		}
		for name, a := range adapters {
			resp.Adapters[name] = a.State().String()
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}
