// statedict_inspect builds a small demo model wrapped with the selected parallelism wrappers, trains it
// for one step, and shows how its native state dict maps to the canonical one.
//
// Example:
//
//	statedict_inspect -wrap=replica_shard,tp -format=full -optimizer=adam
package main

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/statedict/pkg/ml/fqn"
	"github.com/gomlx/statedict/pkg/ml/module"
	"github.com/gomlx/statedict/pkg/ml/optimizers"
	"github.com/gomlx/statedict/pkg/ml/statedict"
	"github.com/gomlx/statedict/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagWrap = xslices.Flag("wrap", []string{"replica_shard"},
		fmt.Sprintf("Comma-separated list of parallelism wrappers applied to the demo model, each one of %q.", wrappings),
		parseWrapping)
	flagFormat      = flag.String("format", "sharded", "Save format used by shard wrappers: \"full\" or \"sharded\".")
	flagFrozen      = flag.Bool("frozen", true, "Include frozen parameters in the model state.")
	flagProxy       = flag.Bool("tensor_proxy", true, "Save sharded values as distributed tensors.")
	flagOptimizer   = flag.String("optimizer", "adam", "Optimizer to train the demo model with: \"sgd\" or \"adam\".")
	flagDevices     = flag.Int("devices", 2, "Number of devices in the mesh of the shard wrappers.")
	flagNoRoundTrip = flag.Bool("no_round_trip", false,
		"Skip loading the canonical state into an unwrapped copy of the model.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'statedict_inspect -help'.", flag.Args())
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func parseWrapping(wrap string) (string, error) {
	if !slices.Contains(wrappings, wrap) {
		return "", errors.Errorf("unknown wrapping %q, valid values are %q", wrap, wrappings)
	}
	return wrap, nil
}

func run() error {
	format, err := module.StateDictTypeString(*flagFormat)
	if err != nil {
		return err
	}
	options := statedict.DefaultOptions()
	options.SaveFormat = format
	options.SaveFrozenParams = *flagFrozen
	options.UseTensorProxy = *flagProxy
	for _, wrap := range *flagWrap {
		if err = inspect(wrap, options); err != nil {
			return errors.WithMessagef(err, "wrapping %q", wrap)
		}
	}
	return nil
}

// inspect builds and trains the demo model with the given wrapping, and prints its state.
func inspect(wrap string, options *statedict.Options) error {
	model, err := buildDemoModel(wrap, *flagDevices)
	if err != nil {
		return err
	}
	opt, err := newOptimizer(*flagOptimizer, model)
	if err != nil {
		return err
	}
	if err = trainStep(model, opt); err != nil {
		return err
	}

	native := must.M1(model.StateDict())
	msd, osd, err := statedict.Build(model).Optimizers(opt).WithOptions(options).Produce()
	if err != nil {
		return err
	}
	summary(wrap, model, options, msd, osd)
	names(model)
	modelState(native, msd)
	optimizerState(osd)

	if *flagNoRoundTrip {
		return nil
	}
	plain := must.M1(buildDemoModel("none", *flagDevices))
	plainOpt := must.M1(newOptimizer(*flagOptimizer, plain))
	if err = statedict.Build(plain).Optimizers(plainOpt).WithOptions(options).Load(msd, osd); err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Round trip"))
	fmt.Printf("Canonical state loaded into an unwrapped %q model: %d model entries, %d optimizer entries.\n",
		"none", len(msd), len(osd.State))
	return nil
}

func summary(wrap string, model *module.Node, options *statedict.Options, msd module.StateDict, osd *optimizers.StateDict) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(nil, lipgloss.Right, lipgloss.Left)
	var numElements, numFrozen int
	params := model.Parameters()
	for _, p := range params {
		numElements += module.ValueSize(p.Value)
		if !p.RequiresGrad {
			numFrozen++
		}
	}
	table.Row(false, "wrapping", wrap)
	table.Row(false, "options", options.String())
	table.Row(false, "# parameters (native)", humanize.Comma(int64(len(params))))
	table.Row(false, "# frozen parameters", humanize.Comma(int64(numFrozen)))
	table.Row(false, "# elements", humanize.Comma(int64(numElements)))
	table.Row(false, "# model entries", humanize.Comma(int64(len(msd))))
	table.Row(false, "# optimizer entries", humanize.Comma(int64(len(osd.State))))
	table.Row(false, "# parameter groups", humanize.Comma(int64(len(osd.ParamGroups))))
	fmt.Println(table.Render())
}

// names lists the native name of each parameter and its canonical names. Flat parameters are highlighted.
func names(model *module.Node) {
	fmt.Println(titleStyle.Render("Parameter names"))
	index := must.M1(fqn.BuildIndex(model))
	table := newTable([]string{"Native name", "Canonical names", "Elements"}, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, p := range index.Params() {
		table.Row(p.IsFlat(), index.NativeName(p), strings.Join(index.FQNs(p), ", "),
			humanize.Comma(int64(module.ValueSize(p.Value))))
	}
	fmt.Println(table.Render())
}

func modelState(native, msd module.StateDict) {
	fmt.Println(titleStyle.Render("Native model state"))
	table := newTable([]string{"Key", "Type", "Elements"}, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, key := range native.Keys() {
		table.Row(strings.Contains(key, module.FlatParamName), key, fmt.Sprintf("%T", native[key]),
			humanize.Comma(int64(module.ValueSize(native[key]))))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Canonical model state"))
	table = newTable([]string{"Key", "Type", "Elements"}, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, key := range msd.Keys() {
		table.Row(false, key, fmt.Sprintf("%T", msd[key]), humanize.Comma(int64(module.ValueSize(msd[key]))))
	}
	fmt.Println(table.Render())
}

func optimizerState(osd *optimizers.StateDict) {
	fmt.Println(titleStyle.Render("Canonical optimizer state"))
	table := newTable([]string{"Group", "Key", "State"}, lipgloss.Right, lipgloss.Left, lipgloss.Left)
	for groupIdx, group := range osd.ParamGroups {
		for _, key := range group.Params {
			state, found := osd.State[key]
			if !found {
				table.Row(true, humanize.Comma(int64(groupIdx)), key.String(), "(none)")
				continue
			}
			var parts []string
			for _, name := range slices.Sorted(maps.Keys(state)) {
				value := state[name]
				if size := module.ValueSize(value); size > 0 {
					parts = append(parts, fmt.Sprintf("%s: %T[%s]", name, value, humanize.Comma(int64(size))))
				} else {
					parts = append(parts, fmt.Sprintf("%s: %v", name, value))
				}
			}
			table.Row(false, humanize.Comma(int64(groupIdx)), key.String(), strings.Join(parts, ", "))
		}
	}
	fmt.Println(table.Render())
}
