package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status values reported by the diagnostic endpoints.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// readinessGate names the components that must be up before the node
// may take traffic. Discovery and diagnostics are not gating: a node
// forwards fine while gossip is still converging.
var readinessGate = []string{"cluster"}

// componentState is the last reported state of one component.
type componentState struct {
	healthy bool
	message string
	since   time.Time
}

// registry tracks component states for the /healthz and /readyz
// endpoints. One instance serves the whole process.
type registry struct {
	mu         sync.RWMutex
	version    string
	started    time.Time
	components map[string]componentState
}

func newRegistry() *registry {
	return &registry{
		started:    time.Now(),
		components: make(map[string]componentState),
	}
}

var health = newRegistry()

// Report is the JSON document served by the diagnostic endpoints.
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// SetVersion records the daemon version echoed by the endpoints.
func SetVersion(version string) {
	health.mu.Lock()
	health.version = version
	health.mu.Unlock()
}

// RegisterComponent records the state of a component. Calling it again
// for the same name replaces the previous state.
func RegisterComponent(name string, healthy bool, message string) {
	health.set(name, healthy, message)
}

// UpdateComponent records a state change for an already registered
// component.
func UpdateComponent(name string, healthy bool, message string) {
	health.set(name, healthy, message)
}

func (r *registry) set(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.components[name]
	since := time.Now()
	if ok && prev.healthy == healthy {
		since = prev.since
	}
	r.components[name] = componentState{
		healthy: healthy,
		message: message,
		since:   since,
	}
}

func gating(name string) bool {
	for _, g := range readinessGate {
		if g == name {
			return true
		}
	}
	return false
}

// GetHealth summarizes every registered component. A gating component
// down makes the node unhealthy; only non-gating components down makes
// it degraded.
func GetHealth() Report {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(health.components))
	for name, c := range health.components {
		if c.healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + c.message
		if gating(name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	return health.report(status, "", components)
}

// GetReadiness checks the gating components only.
func GetReadiness() Report {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := StatusReady
	message := ""
	components := make(map[string]string, len(readinessGate))
	for _, name := range readinessGate {
		c, ok := health.components[name]
		switch {
		case !ok:
			status = StatusNotReady
			message = "waiting for " + name + " registration"
			components[name] = "not registered"
		case !c.healthy:
			status = StatusNotReady
			message = "waiting for " + name
			components[name] = StatusNotReady + ": " + c.message
		default:
			components[name] = StatusReady
		}
	}

	return health.report(status, message, components)
}

// report assembles a Report under the caller's read lock.
func (r *registry) report(status, message string, components map[string]string) Report {
	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.started).String(),
	}
}

// HealthHandler serves /healthz. Degraded still answers 200; only an
// unhealthy gating component turns the endpoint into a 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, GetHealth(), StatusUnhealthy)
	}
}

// ReadyHandler serves /readyz.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, GetReadiness(), StatusNotReady)
	}
}

// LivenessHandler serves /livez. It answers 200 whenever the process
// can run a handler at all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.started).String(),
		})
	}
}

func writeReport(w http.ResponseWriter, rep Report, failStatus string) {
	w.Header().Set("Content-Type", "application/json")
	code := http.StatusOK
	if rep.Status == failStatus {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
