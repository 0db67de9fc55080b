package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"marketwatch/internal/condition"
)

// ExportData is the portable snapshot of the full condition registry.
// Params: export timestamp, descriptor map, and priority map keyed by condition id.
// Returns: JSON-friendly registry image for backup and transfer.
type ExportData struct {
	ExportTime string                          `json:"export_time"`
	Conditions map[string]condition.Descriptor `json:"conditions"`
	Priorities map[string]int                  `json:"priorities"`
}

// Export snapshots every registered condition as a descriptor.
// Params: none.
// Returns: export image; conditions that cannot be described are reported.
func (e *Engine) Export() (ExportData, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conditions := make(map[string]condition.Descriptor, len(e.registry))
	priorities := make(map[string]int, len(e.registry))
	for id, slot := range e.registry {
		descriptor, err := condition.Describe(slot.cond)
		if err != nil {
			return ExportData{}, fmt.Errorf("export condition %s: %w", id, err)
		}
		descriptor.Enabled = slot.enabled
		descriptor.Priority = slot.priority
		conditions[id] = descriptor
		priorities[id] = slot.priority
	}
	return ExportData{
		ExportTime: e.clock.Now().Format(time.RFC3339),
		Conditions: conditions,
		Priorities: priorities,
	}, nil
}

// ExportJSON serializes the registry snapshot to indented JSON.
// Params: none.
// Returns: JSON bytes or export error.
func (e *Engine) ExportJSON() ([]byte, error) {
	data, err := e.Export()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(data, "", "  ")
}

// Import reconstructs conditions from an export image with fresh ids.
// Params: export image produced by Export (possibly from another instance).
// Returns: old-id to new-id mapping or the first construction error.
//
// Non-composite conditions are imported first so combinator child ids can
// be remapped onto the fresh ids. Child ids absent from the image are kept
// as-is and surface as missing children at evaluation time.
func (e *Engine) Import(data ExportData) (map[string]string, error) {
	idMap := make(map[string]string, len(data.Conditions))
	composites := make(map[string]condition.Descriptor)

	for oldID, descriptor := range data.Conditions {
		if isCompositeType(descriptor.ConditionType) {
			composites[oldID] = descriptor
			continue
		}
		cond, err := condition.Create(descriptor)
		if err != nil {
			return nil, fmt.Errorf("import condition %s: %w", oldID, err)
		}
		idMap[oldID] = e.RegisterWith(cond, importPriority(data, oldID, descriptor), descriptor.Enabled)
	}

	// Composites may nest other composites; import them in dependency order.
	for len(composites) > 0 {
		progressed := false
		for oldID, descriptor := range composites {
			if !compositeReady(descriptor, composites) {
				continue
			}
			if err := e.importComposite(oldID, descriptor, importPriority(data, oldID, descriptor), idMap); err != nil {
				return nil, err
			}
			delete(composites, oldID)
			progressed = true
		}
		if !progressed {
			// Cycle or dangling reference: import best-effort, unresolved
			// child ids surface as missing children at evaluation time.
			for oldID, descriptor := range composites {
				if err := e.importComposite(oldID, descriptor, importPriority(data, oldID, descriptor), idMap); err != nil {
					return nil, err
				}
				delete(composites, oldID)
			}
		}
	}
	return idMap, nil
}

// importPriority prefers the exported priority map over the descriptor field.
// Params: export image, original condition id, and its descriptor.
// Returns: priority for registration.
func importPriority(data ExportData, oldID string, descriptor condition.Descriptor) int {
	if priority, ok := data.Priorities[oldID]; ok {
		return priority
	}
	return descriptor.Priority
}

// compositeReady reports whether every nested composite child is imported.
// Params: composite descriptor and the set of still-pending composites.
// Returns: true when no child id points at a pending composite.
func compositeReady(descriptor condition.Descriptor, pending map[string]condition.Descriptor) bool {
	for _, childID := range descriptor.ChildIDs {
		if _, waiting := pending[childID]; waiting {
			return false
		}
	}
	return true
}

// importComposite remaps child ids and registers one combinator.
// Params: original id, descriptor, priority, and the old-to-new id map (mutated).
// Returns: construction error when the descriptor is invalid.
func (e *Engine) importComposite(oldID string, descriptor condition.Descriptor, priority int, idMap map[string]string) error {
	remapped := make([]string, 0, len(descriptor.ChildIDs))
	for _, childID := range descriptor.ChildIDs {
		if newID, ok := idMap[childID]; ok {
			remapped = append(remapped, newID)
			continue
		}
		remapped = append(remapped, childID)
	}
	descriptor.ChildIDs = remapped
	cond, err := condition.Create(descriptor)
	if err != nil {
		return fmt.Errorf("import condition %s: %w", oldID, err)
	}
	idMap[oldID] = e.RegisterWith(cond, priority, descriptor.Enabled)
	return nil
}

// ImportJSON deserializes and imports a JSON registry snapshot.
// Params: JSON bytes produced by ExportJSON.
// Returns: old-id to new-id mapping or decode/construction error.
func (e *Engine) ImportJSON(raw []byte) (map[string]string, error) {
	var data ExportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode export data: %w", err)
	}
	return e.Import(data)
}

// isCompositeType reports whether a descriptor type is a combinator.
// Params: raw condition_type string.
// Returns: true for and/or/not.
func isCompositeType(conditionType string) bool {
	switch conditionType {
	case "and", "or", "not":
		return true
	}
	return false
}
