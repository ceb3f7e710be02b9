// Command vit3d_demo trains a small Vision Transformer on
// random data over a simulated d×d×d mesh and reports the
// virtual time and traffic of every step.
//
// The mesh depth comes from -depth or, if that is zero,
// from the DEPTH_3D environment variable.
package main

import (
	"flag"
	"math"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/unixpickle/vit3d/cluster"
	"github.com/unixpickle/vit3d/collcomm/allreduce"
	"github.com/unixpickle/vit3d/mesh"
	"github.com/unixpickle/vit3d/par3d"
	"github.com/unixpickle/vit3d/tensor"
	"k8s.io/klog/v2"
)

type Args struct {
	Depth     int
	Seed      int64
	Steps     int
	Batch     int
	StepSize  float64
	Algorithm string
	Blocking  bool

	Model par3d.ViTConfig
}

func main() {
	klog.InitFlags(nil)
	var args Args
	flag.IntVar(&args.Depth, "depth", 0, "mesh depth (defaults to $"+mesh.DepthEnv+")")
	flag.Int64Var(&args.Seed, "seed", 1337, "global seed")
	flag.IntVar(&args.Steps, "steps", 3, "number of training steps")
	flag.IntVar(&args.Batch, "batch", 8, "global batch size")
	flag.Float64Var(&args.StepSize, "step-size", 0.01, "SGD step size")
	flag.StringVar(&args.Algorithm, "allreduce", "ring", "all-reduce algorithm")
	flag.BoolVar(&args.Blocking, "blocking", false, "do not overlap weight rotation with compute")
	flag.IntVar(&args.Model.ImageSize, "image-size", 16, "image side length")
	flag.IntVar(&args.Model.PatchSize, "patch-size", 4, "patch side length")
	flag.IntVar(&args.Model.InChannels, "channels", 3, "image channels")
	flag.IntVar(&args.Model.HiddenSize, "hidden", 32, "hidden size")
	flag.IntVar(&args.Model.NumLayers, "layers", 2, "number of transformer blocks")
	flag.IntVar(&args.Model.NumHeads, "heads", 4, "attention heads")
	flag.IntVar(&args.Model.MLPRatio, "mlp-ratio", 4, "MLP expansion ratio")
	flag.StringVar(&args.Model.Activation, "activation", "gelu", "MLP activation")
	flag.IntVar(&args.Model.NumClasses, "classes", 10, "number of classes")
	flag.Float64Var(&args.Model.DropProb, "dropout", 0.1, "hidden dropout probability")
	flag.Float64Var(&args.Model.AttentionDropProb, "attn-dropout", 0.1, "attention dropout probability")
	flag.BoolVar(&args.Model.Checkpoint, "checkpoint", false, "recompute blocks during backward")
	flag.Parse()
	defer klog.Flush()

	if args.Depth == 0 {
		depth, err := mesh.DepthFromEnv()
		if err != nil {
			klog.Fatal(err)
		}
		args.Depth = depth
	}
	reducer, err := allreduce.ByName(args.Algorithm)
	if err != nil {
		klog.Fatal(err)
	}

	cfg := cluster.Config{Depth: args.Depth, Allreducer: reducer}
	elapsed, err := cluster.Run(cfg, func(p *cluster.Process) error {
		return train(p, &args)
	})
	if err != nil {
		klog.Fatal(err)
	}
	klog.Infof("trained %d steps on %d processes in %f virtual seconds", args.Steps,
		args.Depth*args.Depth*args.Depth, elapsed)
}

func train(p *cluster.Process, args *Args) error {
	env := par3d.NewEnv(p, args.Seed)
	if args.Blocking {
		env.Schedule = par3d.Blocking
	}
	model, err := par3d.NewViT(env, args.Model)
	if err != nil {
		return err
	}

	// Every process draws the same global batch and keeps the
	// labels of the rows its logits belong to.
	data := rand.New(rand.NewSource(args.Seed))
	d := env.Depth()
	for step := 0; step < args.Steps; step++ {
		m := args.Model
		images := tensor.Normal(data, 1, args.Batch, m.InChannels, m.ImageSize, m.ImageSize)
		labels := make([]int, args.Batch)
		for i := range labels {
			labels[i] = data.Intn(m.NumClasses)
		}

		start := p.Handle.Time()
		logits, backprop, err := model.Forward(images)
		if err != nil {
			return errors.WithMessagef(err, "step %d", step)
		}
		rows := logits.Dim(0)
		c := env.Mesh().Coord()
		block := c[mesh.Weight]*d + c[mesh.Output]
		loss, grad, err := crossEntropy(env, logits, labels[block*rows:(block+1)*rows], args.Batch)
		if err != nil {
			return err
		}
		if _, err := backprop(grad); err != nil {
			return errors.WithMessagef(err, "step %d", step)
		}
		if err := model.ReduceGradients(); err != nil {
			return errors.WithMessagef(err, "step %d", step)
		}
		for _, param := range model.Parameters() {
			param.Value = tensor.Sub(param.Value, tensor.Scale(param.Grad, args.StepSize))
		}
		model.ZeroGrad()

		if env.Mesh().Rank() == 0 {
			stats := p.Stats()
			klog.Infof("step %d: loss=%f time=%f total sent=%s in %d messages", step, loss,
				p.Handle.Time()-start, humanize.Bytes(uint64(stats.BytesSent)), stats.Messages)
		}
	}
	return nil
}

// crossEntropy computes the mean loss over the global batch
// and the gradient of the local logit columns.
func crossEntropy(env *par3d.Env, logits *tensor.Tensor, labels []int, batch int) (float64,
	*tensor.Tensor, error) {
	full, err := par3d.GatherClasses(env, logits)
	if err != nil {
		return 0, nil, err
	}
	probs := tensor.Softmax(full)
	classes := full.Dim(1)
	var loss float64
	grad := probs.Clone()
	for i, label := range labels {
		loss -= math.Log(probs.Data()[i*classes+label])
		grad.Data()[i*classes+label] -= 1
	}
	grad = tensor.Scale(grad, 1/float64(batch))

	// Replicas along the input axis computed the same rows.
	total := []float64{loss / float64(batch)}
	for _, axis := range []mesh.Axis{mesh.Weight, mesh.Output} {
		total, err = env.Group(axis).AllReduce(total)
		if err != nil {
			return 0, nil, err
		}
	}

	local := logits.Dim(1)
	return total[0], tensor.Narrow(grad, 1, env.Mesh().LocalRank(mesh.Input)*local, local), nil
}
