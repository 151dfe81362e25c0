package command

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Field names one patchable property of a subject. The set is closed: every
// field has exactly one value variant below.
type Field string

const (
	FieldPosition Field = "position"
	FieldSize     Field = "size"
	FieldRotation Field = "rotation"
	FieldStyle    Field = "style"
	FieldPoints   Field = "points"
	FieldText     Field = "text"
)

// FieldValue is one of the Set* variants.
type FieldValue interface {
	Field() Field
}

type SetPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SetSize struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type SetRotation struct {
	Angle float64 `json:"angle"`
}

type SetStyle struct {
	Stroke      string  `json:"stroke"`
	Fill        string  `json:"fill"`
	StrokeWidth float64 `json:"strokeWidth"`
	Opacity     float64 `json:"opacity"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SetPoints struct {
	Vertices []Point `json:"vertices"`
}

type SetText struct {
	Value string `json:"value"`
}

func (SetPosition) Field() Field { return FieldPosition }
func (SetSize) Field() Field     { return FieldSize }
func (SetRotation) Field() Field { return FieldRotation }
func (SetStyle) Field() Field    { return FieldStyle }
func (SetPoints) Field() Field   { return FieldPoints }
func (SetText) Field() Field     { return FieldText }

var decoders = map[Field]func(json.RawMessage) (FieldValue, error){
	FieldPosition: decodeAs[SetPosition],
	FieldSize:     decodeAs[SetSize],
	FieldRotation: decodeAs[SetRotation],
	FieldStyle:    decodeAs[SetStyle],
	FieldPoints:   decodeAs[SetPoints],
	FieldText:     decodeAs[SetText],
}

func decodeAs[T FieldValue](raw json.RawMessage) (FieldValue, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (f Field) Valid() bool {
	_, ok := decoders[f]
	return ok
}

// DecodeField turns the wire value of f into its typed variant.
func DecodeField(f Field, raw json.RawMessage) (FieldValue, error) {
	decode, ok := decoders[f]
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidCommand, f)
	}
	value, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidCommand, f, err)
	}
	return value, nil
}

// Patch is the sparse field -> value payload of an update command.
type Patch map[Field]json.RawMessage

// NewPatch builds a patch from typed values; a later value for the same field
// wins.
func NewPatch(values ...FieldValue) (Patch, error) {
	patch := make(Patch, len(values))
	for _, value := range values {
		if err := patch.Put(value); err != nil {
			return nil, err
		}
	}
	return patch, nil
}

func (p Patch) Put(value FieldValue) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", value.Field(), err)
	}
	p[value.Field()] = raw
	return nil
}

// Fields returns the patched fields in a stable order.
func (p Patch) Fields() []Field {
	fields := make([]Field, 0, len(p))
	for field := range p {
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

func (p Patch) Value(f Field) (FieldValue, error) {
	raw, ok := p[f]
	if !ok {
		return nil, fmt.Errorf("field %s not in patch", f)
	}
	return DecodeField(f, raw)
}

func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for field, raw := range p {
		out[field] = append(json.RawMessage(nil), raw...)
	}
	return out
}
