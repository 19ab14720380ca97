package route

import (
	"encoding/json"
	"fmt"
	"sort"
)

// UpdatePatch is a partial update to a RouteData document. Each key is a
// top-level RouteData field and its value replaces that field wholesale:
// the merge is shallow, so patching one destination means sending the
// whole multiDaySchedule. Nested patching is intentionally unsupported —
// the conflict protocol reports conflicts as top-level field names, and
// the unit of replacement has to match the unit of conflict.
type UpdatePatch map[string]json.RawMessage

// Fields returns the sorted top-level field names the patch touches.
func (p UpdatePatch) Fields() []string {
	fields := make([]string, 0, len(p))
	for name := range p {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

// Apply merges the patch onto base and returns the merged document.
// base is not modified.
func (p UpdatePatch) Apply(base RouteData) (RouteData, error) {
	if len(p) == 0 {
		return base, nil
	}

	encoded, err := json.Marshal(base)
	if err != nil {
		return RouteData{}, fmt.Errorf("marshal base route data: %w", err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return RouteData{}, fmt.Errorf("decode base route data: %w", err)
	}
	for name, value := range p {
		doc[name] = value
	}
	remerged, err := json.Marshal(doc)
	if err != nil {
		return RouteData{}, fmt.Errorf("marshal merged route data: %w", err)
	}

	var merged RouteData
	if err := json.Unmarshal(remerged, &merged); err != nil {
		return RouteData{}, fmt.Errorf("decode merged route data: %w", err)
	}
	return merged, nil
}

// PatchFromData converts a full document into a patch touching every
// top-level field, used when force-writing a resolution.
func PatchFromData(data RouteData) (UpdatePatch, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal route data: %w", err)
	}
	patch := UpdatePatch{}
	if err := json.Unmarshal(encoded, &patch); err != nil {
		return nil, fmt.Errorf("decode route data into patch: %w", err)
	}
	return patch, nil
}
