// Package resnet builds the ResNet image classifier used for scan
// classification from a named parameter set.
package resnet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"neuroscan-backend/internal/core/checkpoint"
	"neuroscan-backend/internal/core/nn"
)

const (
	// Prefix of every parameter name: the classifier wraps the backbone.
	Prefix = "backbone."

	DefaultTarget = "layer4"

	InputChannels = 3
	bnEps         = 1e-5
)

// Arch describes the residual stages: the width and number of BasicBlocks of
// layer1..layer4. The stem width equals the layer1 width.
type Arch struct {
	Widths [4]int
	Blocks [4]int
}

var (
	ResNet18 = Arch{Widths: [4]int{64, 128, 256, 512}, Blocks: [4]int{2, 2, 2, 2}}

	// Tiny keeps the ResNet-18 topology with one narrow block per stage.
	Tiny = Arch{Widths: [4]int{4, 4, 8, 8}, Blocks: [4]int{1, 1, 1, 1}}
)

var ErrInvalidCheckpoint = errors.New("checkpoint does not match architecture")

func (a Arch) String() string {
	return fmt.Sprintf("resnet(widths=%v, blocks=%v)", a.Widths, a.Blocks)
}

func (a Arch) validate() error {
	for i := 0; i < 4; i++ {
		if a.Widths[i] <= 0 || a.Blocks[i] <= 0 {
			return fmt.Errorf("invalid arch %s", a)
		}
	}
	return nil
}

// LayerNames are the stages that can serve as explanation targets.
var LayerNames = []string{"layer1", "layer2", "layer3", "layer4"}

type ParamSpec struct {
	Name  string
	Shape []int
}

func (p ParamSpec) Numel() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

func (p ParamSpec) isRunningStat() bool {
	return strings.HasSuffix(p.Name, ".running_mean") || strings.HasSuffix(p.Name, ".running_var")
}

func convSpec(name string, out, in, k int) ParamSpec {
	return ParamSpec{Name: name + ".weight", Shape: []int{out, in, k, k}}
}

func bnSpecs(name string, c int) []ParamSpec {
	return []ParamSpec{
		{Name: name + ".weight", Shape: []int{c}},
		{Name: name + ".bias", Shape: []int{c}},
		{Name: name + ".running_mean", Shape: []int{c}},
		{Name: name + ".running_var", Shape: []int{c}},
	}
}

func needsDownsample(block, stride, in, out int) bool {
	return block == 0 && (stride != 1 || in != out)
}

func stageStride(stage int) int {
	if stage == 0 {
		return 1
	}
	return 2
}

// Params lists every floating point parameter of the architecture in state
// dict order.
func (a Arch) Params(numClasses int) []ParamSpec {
	specs := []ParamSpec{convSpec(Prefix+"conv1", a.Widths[0], InputChannels, 7)}
	specs = append(specs, bnSpecs(Prefix+"bn1", a.Widths[0])...)

	in := a.Widths[0]
	for s := 0; s < 4; s++ {
		out := a.Widths[s]
		for b := 0; b < a.Blocks[s]; b++ {
			name := fmt.Sprintf("%slayer%d.%d", Prefix, s+1, b)
			stride := 1
			if b == 0 {
				stride = stageStride(s)
			}
			specs = append(specs, convSpec(name+".conv1", out, in, 3))
			specs = append(specs, bnSpecs(name+".bn1", out)...)
			specs = append(specs, convSpec(name+".conv2", out, out, 3))
			specs = append(specs, bnSpecs(name+".bn2", out)...)
			if needsDownsample(b, stride, in, out) {
				specs = append(specs, convSpec(name+".downsample.0", out, in, 1))
				specs = append(specs, bnSpecs(name+".downsample.1", out)...)
			}
			in = out
		}
	}

	specs = append(specs,
		ParamSpec{Name: Prefix + "fc.weight", Shape: []int{numClasses, a.Widths[3]}},
		ParamSpec{Name: Prefix + "fc.bias", Shape: []int{numClasses}},
	)
	return specs
}

// TrainableParams counts weights and biases, excluding batch-norm running
// statistics.
func (a Arch) TrainableParams(numClasses int) int {
	total := 0
	for _, p := range a.Params(numClasses) {
		if !p.isRunningStat() {
			total += p.Numel()
		}
	}
	return total
}

type ResNet struct {
	arch       Arch
	numClasses int
	params     map[string]*nn.Tensor
	net        *nn.Network
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkParams(arch Arch, numClasses int, params map[string]*nn.Tensor) error {
	expected := arch.Params(numClasses)
	known := make(map[string]struct{}, len(expected))

	var problems []string
	for _, spec := range expected {
		known[spec.Name] = struct{}{}
		t, ok := params[spec.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing %s", spec.Name))
			continue
		}
		if !sameShape(t.Shape, spec.Shape) || len(t.Data) != spec.Numel() {
			problems = append(problems, fmt.Sprintf("%s has shape %v, expected %v", spec.Name, t.Shape, spec.Shape))
		}
	}

	var unexpected []string
	for name := range params {
		if _, ok := known[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)
	for _, name := range unexpected {
		problems = append(problems, fmt.Sprintf("unexpected %s", name))
	}

	if len(problems) == 0 {
		return nil
	}
	const shown = 5
	msg := strings.Join(problems[:min(shown, len(problems))], "; ")
	if len(problems) > shown {
		msg += fmt.Sprintf(" (and %d more)", len(problems)-shown)
	}
	return fmt.Errorf("%w: %s", ErrInvalidCheckpoint, msg)
}

// New assembles a classifier from params. Every parameter of the architecture
// must be present with the expected shape and no other parameter may appear.
func New(arch Arch, numClasses int, params map[string]*nn.Tensor) (*ResNet, error) {
	if err := arch.validate(); err != nil {
		return nil, err
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("invalid number of classes %d", numClasses)
	}
	if err := checkParams(arch, numClasses, params); err != nil {
		return nil, err
	}

	r := &ResNet{arch: arch, numClasses: numClasses, params: params}
	r.net = r.build()
	return r, nil
}

// Load decodes a checkpoint and assembles the classifier. Integer buffers are
// only accepted for batch-norm counters, which are ignored.
func Load(arch Arch, numClasses int, data []byte) (*ResNet, error) {
	f, err := checkpoint.Read(data)
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint: %w", err)
	}
	for _, name := range f.Buffers {
		if !strings.HasSuffix(name, ".num_batches_tracked") {
			return nil, fmt.Errorf("%w: unexpected integer tensor %s", ErrInvalidCheckpoint, name)
		}
	}
	return New(arch, numClasses, f.Tensors)
}

// RandomParams initialises parameters the way torchvision does: Kaiming
// normal (fan out) convolutions, unit batch-norm scale, uniform linear head.
func RandomParams(arch Arch, numClasses int, seed int64) map[string]*nn.Tensor {
	rng := rand.New(rand.NewSource(seed))
	params := make(map[string]*nn.Tensor)
	for _, spec := range arch.Params(numClasses) {
		t := nn.NewTensor(spec.Shape...)
		switch {
		case strings.HasSuffix(spec.Name, "fc.weight"), strings.HasSuffix(spec.Name, "fc.bias"):
			bound := 1 / math.Sqrt(float64(arch.Widths[3]))
			for i := range t.Data {
				t.Data[i] = float32((2*rng.Float64() - 1) * bound)
			}
		case len(spec.Shape) == 4:
			fanOut := spec.Shape[0] * spec.Shape[2] * spec.Shape[3]
			std := math.Sqrt(2 / float64(fanOut))
			for i := range t.Data {
				t.Data[i] = float32(rng.NormFloat64() * std)
			}
		case strings.HasSuffix(spec.Name, ".weight"), strings.HasSuffix(spec.Name, ".running_var"):
			for i := range t.Data {
				t.Data[i] = 1
			}
		}
		params[spec.Name] = t
	}
	return params
}

func Random(arch Arch, numClasses int, seed int64) (*ResNet, error) {
	return New(arch, numClasses, RandomParams(arch, numClasses, seed))
}

func (r *ResNet) conv(name string, stride, padding int) *nn.Conv2d {
	return &nn.Conv2d{Weight: r.params[name+".weight"], Stride: stride, Padding: padding}
}

func (r *ResNet) bn(name string) *nn.BatchNorm2d {
	return &nn.BatchNorm2d{
		Weight:      r.params[name+".weight"],
		Bias:        r.params[name+".bias"],
		RunningMean: r.params[name+".running_mean"],
		RunningVar:  r.params[name+".running_var"],
		Eps:         bnEps,
	}
}

func (r *ResNet) build() *nn.Network {
	stages := []nn.Stage{{
		Name: "stem",
		Layer: nn.Sequential{
			r.conv(Prefix+"conv1", 2, 3),
			r.bn(Prefix + "bn1"),
			nn.ReLU{},
			&nn.MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
		},
	}}

	in := r.arch.Widths[0]
	for s := 0; s < 4; s++ {
		out := r.arch.Widths[s]
		var blocks nn.Sequential
		for b := 0; b < r.arch.Blocks[s]; b++ {
			name := fmt.Sprintf("%slayer%d.%d", Prefix, s+1, b)
			stride := 1
			if b == 0 {
				stride = stageStride(s)
			}
			block := &nn.BasicBlock{
				Conv1: r.conv(name+".conv1", stride, 1),
				BN1:   r.bn(name + ".bn1"),
				Conv2: r.conv(name+".conv2", 1, 1),
				BN2:   r.bn(name + ".bn2"),
			}
			if needsDownsample(b, stride, in, out) {
				block.Downsample = &nn.Downsample{
					Conv: r.conv(name+".downsample.0", stride, 0),
					BN:   r.bn(name + ".downsample.1"),
				}
			}
			blocks = append(blocks, block)
			in = out
		}
		stages = append(stages, nn.Stage{Name: LayerNames[s], Layer: blocks})
	}

	stages = append(stages,
		nn.Stage{Name: "avgpool", Layer: nn.GlobalAvgPool{}},
		nn.Stage{Name: "fc", Layer: &nn.Linear{Weight: r.params[Prefix+"fc.weight"], Bias: r.params[Prefix+"fc.bias"]}},
	)
	return &nn.Network{Stages: stages}
}

// Forward maps a [N,3,H,W] batch to [N,numClasses] raw logits. With a non-nil
// capture the target stage's activations are recorded for Backward.
func (r *ResNet) Forward(x *nn.Tensor, c *nn.Capture) (*nn.Tensor, error) {
	if _, ch, _, _, err := x.Dims4(); err != nil {
		return nil, err
	} else if ch != InputChannels {
		return nil, fmt.Errorf("expected %d input channels, got %d", InputChannels, ch)
	}
	return r.net.Forward(x, c)
}

func (r *ResNet) ForwardFrom(stage string, activations *nn.Tensor) (*nn.Tensor, error) {
	return r.net.ForwardFrom(stage, activations)
}

func (r *ResNet) Backward(c *nn.Capture, seed *nn.Tensor) error {
	return r.net.Backward(c, seed)
}

func (r *ResNet) NumClasses() int {
	return r.numClasses
}

func (r *ResNet) Arch() Arch {
	return r.arch
}

// Layers returns the stage names in evaluation order.
func (r *ResNet) Layers() []string {
	return r.net.StageNames()
}

// Params exposes the parameter tensors. They must not be modified while the
// classifier is in use.
func (r *ResNet) Params() map[string]*nn.Tensor {
	return r.params
}

// Release drops the parameters; the classifier must not be used afterwards.
func (r *ResNet) Release() {
	r.params = nil
	r.net = nil
}
