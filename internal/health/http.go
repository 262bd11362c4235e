package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// RegisterRoutes mounts /health, /health/ready and /health/live on mux.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/health/ready", m.handleReady)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		m.write(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.write(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	rep := m.Check(r.Context())
	code := http.StatusOK
	if rep.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	m.write(w, code, rep)
}

func (m *Manager) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := m.Check(r.Context())
	code := http.StatusOK
	if !rep.Ready {
		code = http.StatusServiceUnavailable
	}
	m.write(w, code, map[string]interface{}{"ready": rep.Ready, "status": rep.State})
}

func (m *Manager) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
