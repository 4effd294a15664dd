// Package buildkit implements dockhand.Builder against a buildkitd
// daemon. Builds always export an OCI tar archive; the caller imports
// the archive into containerd afterwards, so there is no direct
// image-store export path.
package buildkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"pkt.systems/pslog"
	"pkt.systems/vdesk/internal/dockhand"
)

const (
	defaultContainerfile = "Containerfile.vdesk"
	defaultBuildTimeout  = 20 * time.Minute
)

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements dockhand.Builder using BuildKit.
type Builder struct {
	addresses []string
}

// New constructs a BuildKit builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image and exports it as an OCI tar archive.
func (b *Builder) Build(ctx context.Context, spec dockhand.BuildSpec) (dockhand.BuildResult, error) {
	return b.build(ctx, spec, nil)
}

// BuildWithEvents builds an image and streams progress events.
func (b *Builder) BuildWithEvents(ctx context.Context, spec dockhand.BuildSpec, events chan<- dockhand.BuildEvent) (dockhand.BuildResult, error) {
	return b.build(ctx, spec, events)
}

func (b *Builder) build(ctx context.Context, spec dockhand.BuildSpec, events chan<- dockhand.BuildEvent) (dockhand.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	layout, cleanup, err := resolveLayout(spec)
	if err != nil {
		log.Warn("buildkit build rejected", "err", err)
		return dockhand.BuildResult{}, err
	}
	defer cleanup()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = defaultBuildTimeout
	}
	log.Info("buildkit build start", "tags", len(spec.Tags), "output", spec.OutputPath, "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return dockhand.BuildResult{}, err
	}
	defer func() { _ = bkclient.Close() }()

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		relay := newEventRelay(events)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.run(buildCtx, statusCh)
		}()
	}

	_, err = bkclient.Solve(buildCtx, nil, solveOpt(spec, layout), statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return dockhand.BuildResult{}, err
	}
	log.Info("buildkit build ok", "tags", len(spec.Tags), "output", spec.OutputPath)
	return dockhand.BuildResult{ImageNames: spec.Tags}, nil
}

// buildLayout pins the solve inputs on disk: the context directory and
// where the Containerfile lives relative to the dockerfile local dir.
type buildLayout struct {
	contextDir    string
	dockerfileDir string
	filename      string
}

// resolveLayout validates the spec and materializes inline Containerfile
// data. All validation happens here, before any daemon is dialed.
func resolveLayout(spec dockhand.BuildSpec) (buildLayout, func(), error) {
	noop := func() {}
	if len(spec.Tags) == 0 {
		return buildLayout{}, noop, errors.New("build tags are required")
	}
	if strings.TrimSpace(spec.ContextDir) == "" {
		return buildLayout{}, noop, errors.New("build context is required")
	}
	if strings.TrimSpace(spec.OutputPath) == "" {
		return buildLayout{}, noop, errors.New("output path is required")
	}
	layout := buildLayout{contextDir: spec.ContextDir}
	if len(spec.ContainerfileData) > 0 {
		dir, err := os.MkdirTemp("", "vdesk-containerfile-*")
		if err != nil {
			return buildLayout{}, noop, err
		}
		cleanup := func() { _ = os.RemoveAll(dir) }
		if err := os.WriteFile(filepath.Join(dir, defaultContainerfile), spec.ContainerfileData, 0o600); err != nil {
			cleanup()
			return buildLayout{}, noop, err
		}
		layout.dockerfileDir = dir
		layout.filename = defaultContainerfile
		return layout, cleanup, nil
	}
	path := spec.ContainerfilePath
	if path == "" {
		path = filepath.Join(spec.ContextDir, defaultContainerfile)
	}
	layout.dockerfileDir = filepath.Dir(path)
	layout.filename = filepath.Base(path)
	return layout, noop, nil
}

func solveOpt(spec dockhand.BuildSpec, layout buildLayout) client.SolveOpt {
	attrs := map[string]string{"filename": layout.filename}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}
	return client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    layout.contextDir,
			"dockerfile": layout.dockerfileDir,
		},
		Exports: []client.ExportEntry{ociExport(spec)},
	}
}

func ociExport(spec dockhand.BuildSpec) client.ExportEntry {
	return client.ExportEntry{
		Type: client.ExporterOCI,
		Output: func(_ map[string]string) (io.WriteCloser, error) {
			if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
				return nil, err
			}
			return os.Create(spec.OutputPath)
		},
		Attrs: map[string]string{
			"name":           strings.Join(spec.Tags, ","),
			"tar":            "true",
			"oci-mediatypes": "true",
		},
	}
}

// eventRelay translates BuildKit solve status updates into dockhand
// build events, deduplicating per-vertex start and completion.
type eventRelay struct {
	events   chan<- dockhand.BuildEvent
	vertices map[string]*vertexTrack
}

type vertexTrack struct {
	name      string
	started   bool
	completed bool
	lastError string
}

func newEventRelay(events chan<- dockhand.BuildEvent) *eventRelay {
	return &eventRelay{events: events, vertices: make(map[string]*vertexTrack)}
}

func (r *eventRelay) run(ctx context.Context, statusCh <-chan *client.SolveStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			r.handle(ctx, status)
		}
	}
}

func (r *eventRelay) handle(ctx context.Context, status *client.SolveStatus) {
	for _, v := range status.Vertexes {
		if v == nil {
			continue
		}
		id := v.Digest.String()
		track := r.track(id, v.Name)
		if v.Started != nil && !track.started {
			track.started = true
			r.send(ctx, dockhand.BuildEvent{
				Kind:      dockhand.BuildEventVertexStarted,
				VertexID:  id,
				Name:      track.name,
				Timestamp: *v.Started,
			})
		}
		if v.Completed != nil && !track.completed {
			track.completed = true
			track.lastError = v.Error
			r.send(ctx, dockhand.BuildEvent{
				Kind:      dockhand.BuildEventVertexCompleted,
				VertexID:  id,
				Name:      track.name,
				Timestamp: *v.Completed,
				Error:     v.Error,
			})
		} else if v.Error != "" && v.Error != track.lastError {
			track.lastError = v.Error
			r.send(ctx, dockhand.BuildEvent{
				Kind:     dockhand.BuildEventVertexCompleted,
				VertexID: id,
				Name:     track.name,
				Error:    v.Error,
			})
		}
	}
	for _, entry := range status.Logs {
		if entry == nil {
			continue
		}
		msg := strings.TrimSpace(string(entry.Data))
		if msg == "" {
			continue
		}
		id := entry.Vertex.String()
		r.send(ctx, dockhand.BuildEvent{
			Kind:      dockhand.BuildEventLog,
			VertexID:  id,
			Name:      r.vertexName(id),
			Message:   msg,
			Timestamp: entry.Timestamp,
		})
	}
	for _, warn := range status.Warnings {
		if warn == nil {
			continue
		}
		msg := warningText(warn)
		if msg == "" {
			continue
		}
		id := warn.Vertex.String()
		r.send(ctx, dockhand.BuildEvent{
			Kind:     dockhand.BuildEventWarning,
			VertexID: id,
			Name:     r.vertexName(id),
			Message:  msg,
		})
	}
}

func (r *eventRelay) track(id, name string) *vertexTrack {
	track := r.vertices[id]
	if track == nil {
		track = &vertexTrack{name: name}
		r.vertices[id] = track
	} else if track.name == "" && name != "" {
		track.name = name
	}
	return track
}

func (r *eventRelay) vertexName(id string) string {
	if track := r.vertices[id]; track != nil {
		return track.name
	}
	return ""
}

// send never blocks: a slow consumer drops events rather than stalling
// the solve status stream.
func (r *eventRelay) send(ctx context.Context, event dockhand.BuildEvent) {
	select {
	case <-ctx.Done():
	case r.events <- event:
	default:
	}
}

func warningText(warn *client.VertexWarning) string {
	short := strings.TrimSpace(string(warn.Short))
	if warn.URL == "" {
		return short
	}
	if short == "" {
		return warn.URL
	}
	return short + " (" + warn.URL + ")"
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "buildkit", "buildkitd.sock")))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", filepath.Join(userRunDir, "buildkit", "buildkitd.sock")))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
