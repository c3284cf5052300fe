package reconcile

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// threeWay captures the outcome of a three-way comparison between the
// last-applied payload, the incoming desired payload, and the live payload.
type threeWay struct {
	// changed is true when desired differs from last-applied.
	changed bool

	// drifted is true when live differs from last-applied, meaning changes
	// were made outside the loop's control.
	drifted bool

	// driftDetail is the merge patch describing the out-of-band changes.
	driftDetail string

	// merged is the live payload with the desired changes applied on top,
	// preserving unrelated out-of-band additions. Used in report-only mode.
	merged map[string]interface{}
}

// diffThreeWay compares last-applied vs desired vs live. The desired change
// set is expressed as a merge patch from last-applied and replayed onto live,
// so externally-made changes are detected rather than silently folded in.
func diffThreeWay(lastApplied, desired, live map[string]interface{}) (*threeWay, error) {
	lastRaw, err := marshalPayload(lastApplied)
	if err != nil {
		return nil, fmt.Errorf("encoding last-applied payload: %w", err)
	}
	desiredRaw, err := marshalPayload(desired)
	if err != nil {
		return nil, fmt.Errorf("encoding desired payload: %w", err)
	}
	liveRaw, err := marshalPayload(live)
	if err != nil {
		return nil, fmt.Errorf("encoding live payload: %w", err)
	}

	changePatch, err := jsonpatch.CreateMergePatch(lastRaw, desiredRaw)
	if err != nil {
		return nil, fmt.Errorf("computing desired change patch: %w", err)
	}
	driftPatch, err := jsonpatch.CreateMergePatch(lastRaw, liveRaw)
	if err != nil {
		return nil, fmt.Errorf("computing drift patch: %w", err)
	}

	result := &threeWay{
		changed: !emptyPatch(changePatch),
		drifted: !emptyPatch(driftPatch),
	}
	if result.drifted {
		result.driftDetail = string(driftPatch)
	}

	mergedRaw, err := jsonpatch.MergePatch(liveRaw, changePatch)
	if err != nil {
		return nil, fmt.Errorf("applying change patch to live payload: %w", err)
	}
	if err := json.Unmarshal(mergedRaw, &result.merged); err != nil {
		return nil, fmt.Errorf("decoding merged payload: %w", err)
	}
	return result, nil
}

func marshalPayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal(payload)
}

func emptyPatch(patch []byte) bool {
	return len(patch) == 0 || string(patch) == "{}"
}
