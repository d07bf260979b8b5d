package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PatchOperation is a single RFC 6902 JSON Patch operation.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses and minimally validates an RFC 6902 document.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'op' field", i)
		}
		if op.Path == "" && op.Op != "test" {
			return nil, fmt.Errorf("patch operation %d: missing 'path' field", i)
		}
	}
	return ops, nil
}

// ParseMergePatch parses an RFC 7386 merge patch document.
func ParseMergePatch(data []byte) (map[string]interface{}, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("invalid JSON Merge Patch document: %w", err)
	}
	return patch, nil
}

// ApplyJSONPatch applies an RFC 6902 patch to a resource document and returns
// a new document; the input is not mutated.
func ApplyJSONPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	result := deepCopyMap(resource)

	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = patchSet(result, op.Path, op.Value, true)
		case "replace":
			err = patchSet(result, op.Path, op.Value, false)
		case "remove":
			err = patchRemove(result, op.Path)
		case "move":
			err = patchMove(result, op.From, op.Path)
		case "copy":
			err = patchCopy(result, op.From, op.Path)
		case "test":
			err = patchTest(result, op.Path, op.Value)
		default:
			err = fmt.Errorf("unknown patch operation: %s", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s) failed: %w", i, op.Op, err)
		}
	}

	return result, nil
}

// ApplyMergePatch applies an RFC 7386 merge patch and returns a new document.
func ApplyMergePatch(resource, patch map[string]interface{}) (map[string]interface{}, error) {
	result := deepCopyMap(resource)
	mergeInto(result, patch)
	return result, nil
}

func mergeInto(target, patch map[string]interface{}) {
	for key, patchVal := range patch {
		if patchVal == nil {
			delete(target, key)
			continue
		}
		if patchMap, ok := patchVal.(map[string]interface{}); ok {
			if targetMap, ok := target[key].(map[string]interface{}); ok {
				mergeInto(targetMap, patchMap)
				continue
			}
			target[key] = deepCopyMap(patchMap)
			continue
		}
		target[key] = patchVal
	}
}

// container abstracts the parent of a patch target so maps and arrays share
// one read/write path. set replaces the container inside its own parent,
// which is how array growth propagates upward.
type container struct {
	get func() (interface{}, bool)
	set func(v interface{}) error // insert semantics (arrays shift right)
	rep func(v interface{}) error // replace semantics (arrays overwrite)
	del func() error
}

// resolve walks the document to the container addressed by path. When insert
// is true, missing intermediate objects are created.
func resolve(doc map[string]interface{}, path string, insert bool) (*container, error) {
	parts := splitPointer(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty path")
	}

	// parentSet rebinds the current node inside its parent, needed when an
	// array append allocates a new slice.
	var current interface{} = doc
	parentSet := func(v interface{}) { /* root map is shared, nothing to rebind */ }

	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				if !insert {
					return nil, fmt.Errorf("path not found at segment: %s", part)
				}
				next = make(map[string]interface{})
				node[part] = next
			}
			key := part
			parentSet = func(v interface{}) { node[key] = v }
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("invalid array index: %s", part)
			}
			parentSet = func(v interface{}) { node[idx] = v }
			current = node[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into non-container at: %s", part)
		}
	}

	last := parts[len(parts)-1]
	switch node := current.(type) {
	case map[string]interface{}:
		return &container{
			get: func() (interface{}, bool) { v, ok := node[last]; return v, ok },
			set: func(v interface{}) error { node[last] = v; return nil },
			rep: func(v interface{}) error { node[last] = v; return nil },
			del: func() error {
				if _, ok := node[last]; !ok {
					return fmt.Errorf("path not found: %s", path)
				}
				delete(node, last)
				return nil
			},
		}, nil
	case []interface{}:
		if last == "-" {
			return &container{
				get: func() (interface{}, bool) { return nil, false },
				set: func(v interface{}) error { parentSet(append(node, v)); return nil },
				rep: func(v interface{}) error { return fmt.Errorf("cannot replace past-the-end element") },
				del: func() error { return fmt.Errorf("cannot remove past-the-end element") },
			}, nil
		}
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx > len(node) {
			return nil, fmt.Errorf("invalid array index: %s", last)
		}
		return &container{
			get: func() (interface{}, bool) {
				if idx >= len(node) {
					return nil, false
				}
				return node[idx], true
			},
			set: func(v interface{}) error {
				if idx == len(node) {
					parentSet(append(node, v))
					return nil
				}
				grown := make([]interface{}, len(node)+1)
				copy(grown, node[:idx])
				grown[idx] = v
				copy(grown[idx+1:], node[idx:])
				parentSet(grown)
				return nil
			},
			rep: func(v interface{}) error {
				if idx >= len(node) {
					return fmt.Errorf("array index out of bounds: %d", idx)
				}
				node[idx] = v
				return nil
			},
			del: func() error {
				if idx >= len(node) {
					return fmt.Errorf("array index out of bounds: %d", idx)
				}
				parentSet(append(node[:idx:idx], node[idx+1:]...))
				return nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("cannot address into non-container at: %s", last)
	}
}

func patchSet(doc map[string]interface{}, path string, value interface{}, insert bool) error {
	c, err := resolve(doc, path, insert)
	if err != nil {
		return err
	}
	if !insert {
		if _, ok := c.get(); !ok {
			return fmt.Errorf("path not found: %s", path)
		}
		return c.rep(value)
	}
	return c.set(value)
}

func patchRemove(doc map[string]interface{}, path string) error {
	c, err := resolve(doc, path, false)
	if err != nil {
		return err
	}
	return c.del()
}

func patchMove(doc map[string]interface{}, from, path string) error {
	src, err := resolve(doc, from, false)
	if err != nil {
		return fmt.Errorf("move from: %w", err)
	}
	value, ok := src.get()
	if !ok {
		return fmt.Errorf("move from: path not found: %s", from)
	}
	if err := src.del(); err != nil {
		return fmt.Errorf("move remove: %w", err)
	}
	if err := patchSet(doc, path, value, true); err != nil {
		return fmt.Errorf("move add: %w", err)
	}
	return nil
}

func patchCopy(doc map[string]interface{}, from, path string) error {
	src, err := resolve(doc, from, false)
	if err != nil {
		return fmt.Errorf("copy from: %w", err)
	}
	value, ok := src.get()
	if !ok {
		return fmt.Errorf("copy from: path not found: %s", from)
	}
	return patchSet(doc, path, value, true)
}

func patchTest(doc map[string]interface{}, path string, expected interface{}) error {
	c, err := resolve(doc, path, false)
	if err != nil {
		return fmt.Errorf("test path not found: %w", err)
	}
	actual, _ := c.get()

	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	if string(actualJSON) != string(expectedJSON) {
		return fmt.Errorf("test failed: expected %s but got %s at %s",
			string(expectedJSON), string(actualJSON), path)
	}
	return nil
}

// splitPointer splits a JSON Pointer into segments, decoding the ~1 and ~0
// escapes defined by RFC 6901.
func splitPointer(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(m)
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)
	return result
}
