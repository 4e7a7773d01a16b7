package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	units "github.com/docker/go-units"

	"github.com/TNLegend/SMIA/internal/domain"
)

const (
	// ContainerCodeDir is where the run's staged code is mounted.
	ContainerCodeDir = "/code"
	// ContainerOutputDir is the only writable mount.
	ContainerOutputDir = "/output"
	// ContainerModelDir exposes the evaluated model run's output, read-only.
	ContainerModelDir = "/model"
	// ContainerConfig is the run's merged config as seen by the scripts.
	ContainerConfig = ContainerCodeDir + "/config.yaml"
	// ContainerManifest is the dependency manifest installed before the entry script.
	ContainerManifest = ContainerCodeDir + "/requirements.txt"

	// TrainingEntry and EvaluationEntry are the fixed entry scripts of a bundle.
	TrainingEntry   = "train.py"
	EvaluationEntry = "evaluate.py"

	// LabelRun tags every sandbox container with its run id.
	LabelRun     = "smia.run"
	LabelProject = "smia.project"
	LabelKind    = "smia.kind"

	shell = "/bin/sh"
)

// Mount binds a host path into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits are the resource ceilings attached to every invocation.
type Limits struct {
	NanoCPUs        int64
	MemoryBytes     int64
	NetworkDisabled bool
}

// ParseLimits converts human-readable limits ("2.0", "4g") into an immutable Limits value.
func ParseLimits(cpus, memory string, networkDisabled bool) (Limits, error) {
	cpu, err := strconv.ParseFloat(strings.TrimSpace(cpus), 64)
	if err != nil || cpu <= 0 {
		return Limits{}, fmt.Errorf("invalid cpu limit %q", cpus)
	}
	mem, err := units.RAMInBytes(strings.TrimSpace(memory))
	if err != nil || mem <= 0 {
		return Limits{}, fmt.Errorf("invalid memory limit %q", memory)
	}
	return Limits{
		NanoCPUs:        int64(cpu * 1e9),
		MemoryBytes:     mem,
		NetworkDisabled: networkDisabled,
	}, nil
}

// CPUs renders the cpu limit the way `docker run --cpus` expects it.
func (l Limits) CPUs() string {
	return strconv.FormatFloat(float64(l.NanoCPUs)/1e9, 'f', -1, 64)
}

// Spec names the host-side inputs of one sandbox run.
type Spec struct {
	RunID     string
	ProjectID string
	Kind      domain.RunKind
	Image     string
	CodeDir   string
	DataFile  string
	OutputDir string
	// ModelDir is the training run's output directory and ModelFile the model
	// inside it. Evaluation only.
	ModelDir  string
	ModelFile string
}

// Invocation is a fully-resolved sandbox launch description.
type Invocation struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Mounts     []Mount
	Limits     Limits
	Labels     map[string]string
}

// Script returns the shell command executed inside the sandbox.
func (inv Invocation) Script() string {
	if len(inv.Cmd) == 2 && inv.Cmd[0] == "-c" {
		return inv.Cmd[1]
	}
	return strings.Join(inv.Cmd, " ")
}

// Args renders the invocation as `docker run` arguments.
func (inv Invocation) Args() []string {
	args := []string{"run", "--rm"}
	if inv.Name != "" {
		args = append(args, "--name", inv.Name)
	}
	if inv.Limits.NanoCPUs > 0 {
		args = append(args, "--cpus="+inv.Limits.CPUs())
	}
	if inv.Limits.MemoryBytes > 0 {
		args = append(args, "--memory="+strconv.FormatInt(inv.Limits.MemoryBytes, 10))
	}
	if inv.Limits.NetworkDisabled {
		args = append(args, "--network=none")
	}
	var entryArgs []string
	if len(inv.Entrypoint) > 0 {
		args = append(args, "--entrypoint", inv.Entrypoint[0])
		entryArgs = inv.Entrypoint[1:]
	}
	for _, m := range inv.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	keys := make([]string, 0, len(inv.Labels))
	for k := range inv.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+inv.Labels[k])
	}
	args = append(args, inv.Image)
	args = append(args, entryArgs...)
	return append(args, inv.Cmd...)
}

// Build assembles the invocation for a run. It is pure: the same spec and
// limits always produce the same invocation, and nothing touches the filesystem.
func Build(spec Spec, limits Limits) (Invocation, error) {
	if !spec.Kind.Valid() {
		return Invocation{}, fmt.Errorf("unknown run kind %q", spec.Kind)
	}
	if strings.TrimSpace(spec.Image) == "" {
		return Invocation{}, fmt.Errorf("sandbox image cannot be empty")
	}
	required := []struct{ name, value string }{
		{"code dir", spec.CodeDir},
		{"data file", spec.DataFile},
		{"output dir", spec.OutputDir},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return Invocation{}, fmt.Errorf("%s cannot be empty", field.name)
		}
	}

	var (
		dataTarget string
		script     string
	)
	install := "pip install --no-cache-dir -r " + ContainerManifest
	switch spec.Kind {
	case domain.RunKindTraining:
		dataTarget = "/data/train.csv"
		script = fmt.Sprintf("%s && python %s/%s --data %s --config %s --out %s",
			install, ContainerCodeDir, TrainingEntry, dataTarget, ContainerConfig, ContainerOutputDir)
	case domain.RunKindEvaluation:
		model := strings.TrimSpace(spec.ModelFile)
		if model == "" || model != filepath.Base(model) {
			return Invocation{}, fmt.Errorf("evaluation requires a bare model file name, got %q", spec.ModelFile)
		}
		if strings.TrimSpace(spec.ModelDir) == "" {
			return Invocation{}, fmt.Errorf("model dir cannot be empty")
		}
		dataTarget = "/data/test.csv"
		script = fmt.Sprintf("%s && python %s/%s --model %s/%s --test %s --config %s --out %s",
			install, ContainerCodeDir, EvaluationEntry, ContainerModelDir, model, dataTarget, ContainerConfig, ContainerOutputDir)
	}

	inv := Invocation{
		Image:      spec.Image,
		Entrypoint: []string{shell},
		Cmd:        []string{"-c", script},
		Mounts: []Mount{
			{Source: HostPath(spec.CodeDir), Target: ContainerCodeDir, ReadOnly: true},
			{Source: HostPath(spec.DataFile), Target: dataTarget, ReadOnly: true},
		},
		Limits: limits,
		Labels: map[string]string{
			LabelKind: string(spec.Kind),
		},
	}
	if spec.Kind == domain.RunKindEvaluation {
		inv.Mounts = append(inv.Mounts, Mount{Source: HostPath(spec.ModelDir), Target: ContainerModelDir, ReadOnly: true})
	}
	inv.Mounts = append(inv.Mounts, Mount{Source: HostPath(spec.OutputDir), Target: ContainerOutputDir})
	if spec.RunID != "" {
		inv.Name = "smia-run-" + spec.RunID
		inv.Labels[LabelRun] = spec.RunID
	}
	if spec.ProjectID != "" {
		inv.Labels[LabelProject] = spec.ProjectID
	}
	return inv, nil
}

// HostPath canonicalises a host path for a bind mount: cleaned, forward
// slashes, and drive letters rewritten as /c/... the way Docker Desktop expects.
func HostPath(p string) string {
	s := strings.ReplaceAll(filepath.Clean(p), `\`, "/")
	if len(s) >= 2 && s[1] == ':' && isLetter(s[0]) {
		rest := strings.TrimPrefix(s[2:], "/")
		return "/" + strings.ToLower(s[:1]) + "/" + rest
	}
	return s
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
