package stack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// =============================================================================
// Parsed Stack Types
// =============================================================================

// Spec is a validated compose stack reduced to what deployment needs.
type Spec struct {
	Services []Service
	Networks []string
	Volumes  []string
}

// Service is one compose service.
type Service struct {
	Name          string
	ContainerName string
	Image         string
	Command       []string
	Environment   map[string]string
	Labels        map[string]string
	Ports         []Port
	Volumes       []Mount
	Networks      []string
	RestartPolicy string
	DependsOn     []string
}

// Port is a published port mapping.
type Port struct {
	Target    uint32
	Published uint32
	Protocol  string
	HostIP    string
}

// Mount is a volume or bind mount.
type Mount struct {
	Type     string // "bind" or "volume"
	Source   string
	Target   string
	ReadOnly bool
}

// =============================================================================
// Content Hashing
// =============================================================================

// Hash returns a stable content hash for the service. The hash is stored as
// a container label so a redeploy can tell which services actually changed.
func (s Service) Hash() string {
	// Normalise map/slice ordering before hashing.
	c := s
	c.Networks = sortedCopy(s.Networks)
	c.DependsOn = sortedCopy(s.DependsOn)

	data, err := json.Marshal(struct {
		Service
		EnvKeys   []string
		LabelKeys []string
	}{c, sortedKeys(s.Environment), sortedKeys(s.Labels)})
	if err != nil {
		// Marshal of plain structs cannot fail; keep the signature simple.
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// PublishedPorts returns every host-side port the spec binds, sorted.
func (s *Spec) PublishedPorts() []int {
	var ports []int
	for _, svc := range s.Services {
		for _, p := range svc.Ports {
			if p.Published != 0 {
				ports = append(ports, int(p.Published))
			}
		}
	}
	sort.Ints(ports)
	return ports
}

// ServiceNames returns service names in declaration-independent sorted order.
func (s *Spec) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Name)
	}
	sort.Strings(names)
	return names
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m)*2)
	for k, v := range m {
		keys = append(keys, k+"="+v)
	}
	sort.Strings(keys)
	return keys
}
