// Package form validates customer and service form answers against the
// structural subset of JSON Schema used by tenant forms: types, required
// properties, string length and enumerations. Schemas using any other
// constraint keyword fail to compile.
package form

import (
	"math"
	"slices"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Kind is a JSON Schema primitive type name.
type Kind string

const (
	KindAny     Kind = ""
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
)

// ErrUnsupportedKeyword is returned by Compile for constraint keywords the
// validator does not enforce.
var ErrUnsupportedKeyword = errors.New("unsupported schema keyword")

// annotations carry no constraint and are ignored.
var annotations = map[string]bool{
	"$schema": true, "$id": true, "$comment": true,
	"title": true, "description": true, "default": true, "examples": true,
}

// Schema is a compiled form schema node.
type Schema struct {
	Type       Kind
	Properties map[string]*Schema
	Required   []string
	Items      *Schema
	MinLength  int
	Enum       []string
}

// ValidationError describes the first structural violation found in an answer.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + ": " + e.Reason
}

// Compile parses a JSON schema document.
func Compile(raw []byte) (*Schema, error) {
	d := jx.DecodeBytes(raw)
	s, err := decodeSchema(d)
	if err != nil {
		return nil, errors.Wrap(err, "compile form schema")
	}
	return s, nil
}

func decodeSchema(d *jx.Decoder) (*Schema, error) {
	s := &Schema{}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "type":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "type")
			}
			s.Type = Kind(v)
		case "properties":
			s.Properties = make(map[string]*Schema)
			return d.ObjBytes(func(d *jx.Decoder, name []byte) error {
				p, err := decodeSchema(d)
				if err != nil {
					return errors.Wrapf(err, "property %q", name)
				}
				s.Properties[string(name)] = p
				return nil
			})
		case "required":
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				if err != nil {
					return errors.Wrap(err, "required")
				}
				s.Required = append(s.Required, v)
				return nil
			})
		case "items":
			items, err := decodeSchema(d)
			if err != nil {
				return errors.Wrap(err, "items")
			}
			s.Items = items
		case "minLength":
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "minLength")
			}
			s.MinLength = v
		case "enum":
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				if err != nil {
					return errors.Wrap(err, "enum")
				}
				s.Enum = append(s.Enum, v)
				return nil
			})
		default:
			if !annotations[string(key)] {
				return errors.Wrapf(ErrUnsupportedKeyword, "%q", key)
			}
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks an answer document against the schema.
func (s *Schema) Validate(answer []byte) error {
	return s.validate(jx.DecodeBytes(answer), "")
}

func (s *Schema) validate(d *jx.Decoder, path string) error {
	got := d.Next()
	if got == jx.Invalid {
		return &ValidationError{Path: path, Reason: "malformed JSON"}
	}
	if !s.accepts(got) {
		return &ValidationError{Path: path, Reason: "expected " + string(s.Type) + ", got " + got.String()}
	}

	switch got {
	case jx.Object:
		return s.validateObject(d, path)
	case jx.Array:
		return s.validateArray(d, path)
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return &ValidationError{Path: path, Reason: "malformed string"}
		}
		if len([]rune(v)) < s.MinLength {
			return &ValidationError{Path: path, Reason: "must be at least " + strconv.Itoa(s.MinLength) + " characters"}
		}
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, v) {
			return &ValidationError{Path: path, Reason: "must be one of the allowed values"}
		}
		return nil
	case jx.Number:
		v, err := d.Float64()
		if err != nil {
			return &ValidationError{Path: path, Reason: "malformed number"}
		}
		if s.Type == KindInteger && v != math.Trunc(v) {
			return &ValidationError{Path: path, Reason: "expected integer"}
		}
		return nil
	default:
		if err := d.Skip(); err != nil {
			return &ValidationError{Path: path, Reason: "malformed JSON"}
		}
		return nil
	}
}

func (s *Schema) accepts(t jx.Type) bool {
	switch s.Type {
	case KindAny:
		return true
	case KindObject:
		return t == jx.Object
	case KindArray:
		return t == jx.Array
	case KindString:
		return t == jx.String
	case KindNumber, KindInteger:
		return t == jx.Number
	case KindBoolean:
		return t == jx.Bool
	default:
		return false
	}
}

func (s *Schema) validateObject(d *jx.Decoder, path string) error {
	seen := make(map[string]bool, len(s.Properties))
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		name := string(key)
		// A null value counts as not answered.
		if d.Next() == jx.Null {
			return d.Null()
		}
		seen[name] = true
		p, ok := s.Properties[name]
		if !ok {
			return d.Skip()
		}
		return p.validate(d, join(path, name))
	})
	if err != nil {
		return asViolation(err, path)
	}
	for _, name := range s.Required {
		if !seen[name] {
			return &ValidationError{Path: join(path, name), Reason: "is required"}
		}
	}
	return nil
}

func (s *Schema) validateArray(d *jx.Decoder, path string) error {
	idx := 0
	err := d.Arr(func(d *jx.Decoder) error {
		p := join(path, "["+strconv.Itoa(idx)+"]")
		idx++
		if s.Items == nil {
			return d.Skip()
		}
		return s.Items.validate(d, p)
	})
	if err != nil {
		return asViolation(err, path)
	}
	return nil
}

// asViolation unwraps a violation returned from inside a decoder callback.
// Anything else means the document itself is broken.
func asViolation(err error, path string) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return &ValidationError{Path: path, Reason: "malformed JSON"}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	if name[0] == '[' {
		return path + name
	}
	return path + "." + name
}
