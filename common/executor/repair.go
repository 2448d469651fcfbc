package executor

import (
	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/trace"
)

// PatchRepairer adapts an RFC 6902 patch document into a RepairFunc.
// Agent loops that emit patches instead of whole documents use this to
// plug into the repair hook.
func PatchRepairer(patchDoc []byte) (RepairFunc, error) {
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "repair patch is not a valid JSON patch")
	}

	return func(wf *ir.Workflow, _ *flowerr.Error, _ *trace.Trace) (*ir.Workflow, error) {
		original, err := wf.EncodeJSON()
		if err != nil {
			return nil, err
		}
		patched, err := patch.Apply(original)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "repair patch does not apply to workflow %q", wf.Name)
		}
		return ir.ParseJSON(patched)
	}, nil
}

// MergeRepairer adapts an RFC 7386 merge-patch document into a
// RepairFunc; convenient for point fixes like swapping one param value
func MergeRepairer(mergeDoc []byte) RepairFunc {
	return func(wf *ir.Workflow, _ *flowerr.Error, _ *trace.Trace) (*ir.Workflow, error) {
		original, err := wf.EncodeJSON()
		if err != nil {
			return nil, err
		}
		patched, err := jsonpatch.MergePatch(original, mergeDoc)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "merge patch does not apply to workflow %q", wf.Name)
		}
		return ir.ParseJSON(patched)
	}
}
