package dataproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// fieldTable maps an external JSON key onto a typed setter. Keys present in a
// payload but missing from the table are ignored, and declared keys missing
// from the payload (or null) leave the zero value in place.
type fieldTable[T any] map[string]func(dst *T, v any) error

func (t fieldTable[T]) apply(dst *T, raw map[string]any) error {
	for key, set := range t {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if err := set(dst, v); err != nil {
			return malformed("field %q: %v", key, err)
		}
	}
	return nil
}

var containerFields = fieldTable[Container]{
	"name": func(c *Container, v any) (err error) {
		c.Name, err = asString(v)
		return
	},
	"objects_count": func(c *Container, v any) (err error) {
		c.ObjectsCount, err = asCount(v)
		return
	},
	// "bytes" is the total size of the container, not a byte slice.
	"bytes": func(c *Container, v any) (err error) {
		c.TotalBytes, err = asCount(v)
		return
	},
	"last_modified": func(c *Container, v any) (err error) {
		c.LastModified, err = asString(v)
		return
	},
	"is_public": func(c *Container, v any) error {
		b, err := asBool(v)
		if err != nil {
			return err
		}
		c.IsPublic = &b
		return nil
	},
	"role": func(c *Container, v any) (err error) {
		c.Role, err = asString(v)
		return
	},
	"is_initialized": func(c *Container, v any) (err error) {
		c.IsInitialized, err = asBool(v)
		return
	},
}

var entryFields = fieldTable[Entry]{
	"hash": func(e *Entry, v any) (err error) {
		e.ContentHash, err = asString(v)
		return
	},
	"last_modified": func(e *Entry, v any) (err error) {
		e.LastModified, err = asString(v)
		return
	},
	"bytes": func(e *Entry, v any) (err error) {
		e.SizeBytes, err = asCount(v)
		return
	},
	"name": func(e *Entry, v any) (err error) {
		e.Name, err = asString(v)
		return
	},
	"content_type": func(e *Entry, v any) (err error) {
		e.ContentType, err = asString(v)
		return
	},
}

// DecodeContainer builds a Container from the stat payload of ref. Datasets
// keep ref.ID as their path identifier; buckets use the reported name and
// fall back to ref.ID when the payload has none.
func DecodeContainer(ref ContainerRef, raw map[string]any) (*Container, error) {
	var tmp Container
	if err := containerFields.apply(&tmp, raw); err != nil {
		return nil, err
	}
	name := tmp.Name
	if name == "" {
		name = ref.ID
	}
	var c *Container
	if ref.Kind == KindDataset {
		c = NewContainer(KindDataset, name, ref.ID)
	} else {
		c = NewContainer(KindBucket, name, "")
	}
	c.ObjectsCount = tmp.ObjectsCount
	c.TotalBytes = tmp.TotalBytes
	c.LastModified = tmp.LastModified
	c.IsPublic = tmp.IsPublic
	c.Role = tmp.Role
	c.IsInitialized = tmp.IsInitialized
	return c, nil
}

// DecodeEntry builds an Entry from one element of a listing's "objects".
func DecodeEntry(raw map[string]any) (Entry, error) {
	var e Entry
	err := entryFields.apply(&e, raw)
	return e, err
}

// decodeJSON decodes r keeping numbers as json.Number.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return malformed("decode: %v", err)
	}
	return nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var raw map[string]any
	if err := decodeJSON(bytes.NewReader(body), &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, malformed("expected a JSON object")
	}
	return raw, nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func asCount(v any) (int64, error) {
	var n int64
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", t.String())
		}
		n = i
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		n = int64(t)
	case int64:
		n = t
	case int:
		n = int64(t)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}
