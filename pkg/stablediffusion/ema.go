// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stablediffusion

import (
	"math"
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// EMAScope is the scope (under the root) holding the moving averages of the weights. The average of a
	// variable in scope "/unet/..." is stored in "/ema/unet/...".
	EMAScope = "ema"

	// emaUpdatesVarName counts the number of updates of the moving averages.
	emaUpdatesVarName = "num_updates"

	DefaultEMAHalfLife       = 100
	DefaultEMAUpdateInterval = 20
)

// EMA maintains an exponential moving average of the trainable weights under the given scopes.
//
// Every UpdateInterval steps: ema = smoothing*ema + (1-smoothing)*weights, with
// smoothing = 2^(-UpdateInterval/HalfLife). The first update copies the weights.
type EMA struct {
	HalfLife, UpdateInterval int
	Scopes                   []string

	exec *context.Exec
}

// NewEMA creates an EMA of the trainable variables under scopes (relative to the root scope), with the
// half-life and update interval given in steps.
func NewEMA(halfLife, updateInterval int, scopes ...string) (*EMA, error) {
	if halfLife <= 0 || updateInterval <= 0 {
		return nil, errors.Errorf("EMA half-life (%d) and update interval (%d) must be positive",
			halfLife, updateInterval)
	}
	if len(scopes) == 0 {
		return nil, errors.New("EMA requires at least one scope of variables to average")
	}
	return &EMA{HalfLife: halfLife, UpdateInterval: updateInterval, Scopes: scopes}, nil
}

// Smoothing is the weight of the previous average at each update.
func (e *EMA) Smoothing() float64 {
	return math.Pow(2, -float64(e.UpdateInterval)/float64(e.HalfLife))
}

// emaPath returns the absolute scope of the moving average of a variable in scope.
func emaPath(scope string) string {
	return context.RootScope + EMAScope + context.ScopeSeparator + strings.TrimPrefix(scope, context.RootScope)
}

// UpdateGraph updates the moving averages of the trainable variables and returns the number of updates so far.
func (e *EMA) UpdateGraph(ctx *context.Context, g *Graph) *Node {
	emaCtx := ctx.InAbsPath(context.RootScope + EMAScope).Checked(false)
	updatesVar := emaCtx.VariableWithValue(emaUpdatesVarName, int64(0)).SetTrainable(false)
	updates := updatesVar.ValueGraph(g)

	// 0 on the first update, so the averages start as a copy of the weights.
	started := Min(updates, OnesLike(updates))
	var trainable []*context.Variable
	for _, scope := range e.Scopes {
		for v := range ctx.InAbsPath(context.RootScope + scope).IterVariablesInScope() {
			if v.Trainable {
				trainable = append(trainable, v)
			}
		}
	}
	for _, v := range trainable {
		avgVar := ctx.InAbsPath(emaPath(v.Scope())).Checked(false).WithInitializer(initializers.Zero).
			VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		weights := v.ValueGraph(g)
		smoothing := MulScalar(ConvertDType(started, weights.DType()), e.Smoothing())
		avg := Add(
			Mul(smoothing, avgVar.ValueGraph(g)),
			Mul(OneMinus(smoothing), weights))
		avgVar.SetValueGraph(avg)
	}
	updates = Add(updates, OnesLike(updates))
	updatesVar.SetValueGraph(updates)
	return updates
}

// Update executes one update of the moving averages.
func (e *EMA) Update(backend backends.Backend, ctx *context.Context) (numUpdates int64, err error) {
	if e.exec == nil {
		e.exec, err = context.NewExec(backend, ctx, e.UpdateGraph)
		if err != nil {
			return 0, errors.WithMessage(err, "failed to create EMA update executor")
		}
	}
	var output *tensors.Tensor
	output, err = e.exec.Exec1()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to update EMA weights")
	}
	numUpdates = tensors.ToScalar[int64](output)
	_ = output.FinalizeAll()
	return numUpdates, nil
}

// Attach the EMA updates to the training loop, every UpdateInterval steps. ctx must be the context being trained.
func (e *EMA) Attach(loop *train.Loop, backend backends.Backend, ctx *context.Context) {
	train.EveryNSteps(loop, e.UpdateInterval, "EMA", 100, func(loop *train.Loop, _ []*tensors.Tensor) error {
		numUpdates, err := e.Update(backend, ctx)
		if err != nil {
			return err
		}
		klog.V(2).Infof("EMA update #%d at step %d", numUpdates, loop.LoopStep)
		return nil
	})
}

// HasEMA returns whether ctx holds moving averages for variables under scope.
func HasEMA(ctx *context.Context, scope string) bool {
	for v := range ctx.InAbsPath(emaPath(context.RootScope + scope)).IterVariablesInScope() {
		if v.Name() != emaUpdatesVarName {
			return true
		}
	}
	return false
}
