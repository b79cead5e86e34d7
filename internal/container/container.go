package container

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// State is the observed lifecycle state of a managed container.
// Transitions are monotonic per identifier (created → running → stopped →
// removed) except StateError, which is reachable from any state and exits
// only to StateRemoved.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateRemoved State = "removed"
	StateError   State = "error"
)

// ManagedContainer is one orchestration unit tracked by the Manager.
type ManagedContainer struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Image          string    `json:"image"`
	Desired        State     `json:"desired"`
	Observed       State     `json:"observed"`
	LastTransition time.Time `json:"last_transition"`
}

// PortMapping maps a container port to a host port.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// ResourceLimits bounds a container, using the usual orchestrator units
// ("500m" CPU, "512Mi" memory).
type ResourceLimits struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Spec describes a container to create.
type Spec struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Ports     []PortMapping     `json:"ports,omitempty"`
	Resources ResourceLimits    `json:"resources,omitempty"`
}

// InvalidSpecError reports a spec that fails validation. It is fatal: the
// Manager never retries it.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("container: invalid spec: %s: %s", e.Field, e.Reason)
}

// BackendUnavailableError reports that the orchestration backend could not
// be reached. It is transient and retried with backoff; Attempts records
// how many tries were made before it surfaced.
type BackendUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("container: backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ErrNotFound classifies a missing identifier. It is never transient.
var ErrNotFound = errors.New("container: not found")

var (
	nameRe  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	imageRe = regexp.MustCompile(`^[a-z0-9]+([._/-][a-z0-9]+)*(:[a-zA-Z0-9._-]+)?(@sha256:[a-f0-9]{64})?$`)
)

func (s *Spec) validate(limits ResourceLimits) error {
	if s.Name == "" {
		return &InvalidSpecError{Field: "name", Reason: "required"}
	}
	if !nameRe.MatchString(s.Name) {
		return &InvalidSpecError{Field: "name", Reason: fmt.Sprintf("invalid name %q", s.Name)}
	}
	if s.Image == "" {
		return &InvalidSpecError{Field: "image", Reason: "required"}
	}
	if !imageRe.MatchString(s.Image) {
		return &InvalidSpecError{Field: "image", Reason: fmt.Sprintf("invalid image reference %q", s.Image)}
	}
	for _, p := range s.Ports {
		if p.ContainerPort < 1 || p.ContainerPort > 65535 {
			return &InvalidSpecError{Field: "ports", Reason: fmt.Sprintf("container port %d out of range", p.ContainerPort)}
		}
		if p.HostPort < 0 || p.HostPort > 65535 {
			return &InvalidSpecError{Field: "ports", Reason: fmt.Sprintf("host port %d out of range", p.HostPort)}
		}
	}

	if s.Resources.CPU != "" && limits.CPU != "" {
		want, err := parseCPU(s.Resources.CPU)
		if err != nil {
			return &InvalidSpecError{Field: "resources.cpu", Reason: err.Error()}
		}
		max, err := parseCPU(limits.CPU)
		if err != nil {
			return &InvalidSpecError{Field: "resources.cpu", Reason: fmt.Sprintf("configured bound: %v", err)}
		}
		if want > max {
			return &InvalidSpecError{Field: "resources.cpu", Reason: fmt.Sprintf("%s exceeds bound %s", s.Resources.CPU, limits.CPU)}
		}
	}
	if s.Resources.Memory != "" && limits.Memory != "" {
		want, err := parseMemory(s.Resources.Memory)
		if err != nil {
			return &InvalidSpecError{Field: "resources.memory", Reason: err.Error()}
		}
		max, err := parseMemory(limits.Memory)
		if err != nil {
			return &InvalidSpecError{Field: "resources.memory", Reason: fmt.Sprintf("configured bound: %v", err)}
		}
		if want > max {
			return &InvalidSpecError{Field: "resources.memory", Reason: fmt.Sprintf("%s exceeds bound %s", s.Resources.Memory, limits.Memory)}
		}
	}
	return nil
}

// parseCPU converts a CPU quantity ("500m", "2") to millicores.
func parseCPU(q string) (int64, error) {
	if strings.HasSuffix(q, "m") {
		n, err := strconv.ParseInt(strings.TrimSuffix(q, "m"), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid cpu quantity %q", q)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(q, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid cpu quantity %q", q)
	}
	return int64(f * 1000), nil
}

// parseMemory converts a memory quantity ("512Mi", "1Gi", "1048576") to
// bytes.
func parseMemory(q string) (int64, error) {
	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"Ki", 1 << 10},
		{"Mi", 1 << 20},
		{"Gi", 1 << 30},
		{"Ti", 1 << 40},
		{"K", 1000},
		{"M", 1000 * 1000},
		{"G", 1000 * 1000 * 1000},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(q, m.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(q, m.suffix), 10, 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid memory quantity %q", q)
			}
			return n * m.factor, nil
		}
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid memory quantity %q", q)
	}
	return n, nil
}
