package httpapi

import (
	"net/http"
	"time"

	"github.com/reliefops/fieldsync/internal/queue"
)

// ServiceInfo describes the sync core's capabilities for clients.
type ServiceInfo struct {
	APIVersion  string   `json:"apiVersion"`
	ServerTime  string   `json:"serverTime"`
	EntityKinds []string `json:"entityKinds"`
	Strategies  []string `json:"resolutionStrategies"`
	Streaming   bool     `json:"streaming"`
}

// Info handles GET /v1/info. Unauthenticated capability discovery.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ServiceInfo{
		APIVersion: "1.0",
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		EntityKinds: []string{
			string(queue.KindAssessment), string(queue.KindResponse),
			string(queue.KindIncident), string(queue.KindEntity), string(queue.KindMedia),
		},
		Strategies: []string{"LOCAL_WINS", "SERVER_WINS", "MERGE", "MANUAL"},
		Streaming:  true,
	})
}
