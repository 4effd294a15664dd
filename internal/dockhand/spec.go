// Package dockhand abstracts the host-side container plumbing used to
// build and run the desktop image: a containerd-backed runtime and a
// BuildKit-backed image builder.
package dockhand

import (
	"io"
	"time"
)

// DesktopPlan holds defaults applied to every desktop container spec.
type DesktopPlan struct {
	NamePrefix   string
	Env          map[string]string
	Labels       map[string]string
	ResourceCaps ResourceCaps
}

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Mount describes a host mount to place inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a desktop container.
type ContainerSpec struct {
	Name           string
	Image          string
	Snapshotter    string
	Env            map[string]string
	Labels         map[string]string
	Command        []string
	WorkingDir     string
	Mounts         []Mount
	ShmSizeMB      int
	AutoRemove     bool
	ResourceCaps   *ResourceCaps
	HostNetwork    bool
	LogBufferBytes int
}

// BuildSpec describes a desktop image build. The built image is
// exported as an OCI tar archive at OutputPath; the caller imports the
// archive into containerd.
type BuildSpec struct {
	ContextDir        string
	ContainerfilePath string
	ContainerfileData []byte
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
	OutputPath        string
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build vertex start event.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build vertex completion event.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog indicates a build log event.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning indicates a build warning event.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// ExecSpec describes a command execution inside a running container.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// LogStream selects which logs to search.
type LogStream int

const (
	// LogStdout selects stdout logs.
	LogStdout LogStream = iota
	// LogStderr selects stderr logs.
	LogStderr
	// LogBoth selects both stdout and stderr logs.
	LogBoth
)

// WaitLogSpec waits for a log substring.
type WaitLogSpec struct {
	Text     string
	Stream   LogStream
	Timeout  time.Duration
	Interval time.Duration
}

// WaitPortSpec waits for a TCP port to accept connections.
type WaitPortSpec struct {
	Address       string
	Port          int
	Timeout       time.Duration
	Interval      time.Duration
	NetNSFallback bool
}

// JanitorSpec prunes managed desktop containers.
type JanitorSpec struct {
	LabelSelector map[string]string
	MinAge        time.Duration
}

// MergeSpec overlays plan defaults onto a container spec. Spec values win
// over plan values. The caller's maps are never mutated.
func MergeSpec(spec ContainerSpec, plan DesktopPlan) ContainerSpec {
	out := spec
	out.Env = cloneStringMap(spec.Env)
	out.Labels = cloneStringMap(spec.Labels)
	for k, v := range plan.Env {
		if _, ok := out.Env[k]; !ok {
			out.Env[k] = v
		}
	}
	for k, v := range plan.Labels {
		if _, ok := out.Labels[k]; !ok {
			out.Labels[k] = v
		}
	}
	if plan.NamePrefix != "" {
		out.Name = plan.NamePrefix + out.Name
	}
	caps := plan.ResourceCaps
	if spec.ResourceCaps != nil {
		caps = *spec.ResourceCaps
		if caps.MemoryBytes == 0 {
			caps.MemoryBytes = plan.ResourceCaps.MemoryBytes
		}
		if caps.NanoCPUs == 0 {
			caps.NanoCPUs = plan.ResourceCaps.NanoCPUs
		}
	}
	out.ResourceCaps = &caps
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
