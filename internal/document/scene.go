package document

import (
	"encoding/json"
	"fmt"

	"sketchsync/api/internal/command"
)

type Kind string

const (
	KindRect    Kind = "rect"
	KindEllipse Kind = "ellipse"
	KindLine    Kind = "line"
	KindPath    Kind = "path"
	KindText    Kind = "text"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRect, KindEllipse, KindLine, KindPath, KindText:
		return true
	default:
		return false
	}
}

type Style struct {
	Stroke      string  `json:"stroke,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
}

// Shape is the serialized form of one subject.
type Shape struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	W        float64         `json:"w,omitempty"`
	H        float64         `json:"h,omitempty"`
	Angle    float64         `json:"angle,omitempty"`
	Style    Style           `json:"style"`
	Vertices []command.Point `json:"vertices,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// Payload is the create/remove payload for s.
func (s Shape) Payload() (json.RawMessage, error) {
	return json.Marshal(s)
}

func (s Shape) clone() Shape {
	out := s
	if s.Vertices != nil {
		out.Vertices = append([]command.Point(nil), s.Vertices...)
	}
	return out
}

type accessor struct {
	get func(*Shape) command.FieldValue
	set func(*Shape, command.FieldValue)
}

// accessors resolves every patchable field to its getter and setter. The
// value handed to set always has the variant type DecodeField produced for
// that field.
var accessors = map[command.Field]accessor{
	command.FieldPosition: {
		get: func(s *Shape) command.FieldValue { return command.SetPosition{X: s.X, Y: s.Y} },
		set: func(s *Shape, v command.FieldValue) {
			p := v.(command.SetPosition)
			s.X, s.Y = p.X, p.Y
		},
	},
	command.FieldSize: {
		get: func(s *Shape) command.FieldValue { return command.SetSize{W: s.W, H: s.H} },
		set: func(s *Shape, v command.FieldValue) {
			p := v.(command.SetSize)
			s.W, s.H = p.W, p.H
		},
	},
	command.FieldRotation: {
		get: func(s *Shape) command.FieldValue { return command.SetRotation{Angle: s.Angle} },
		set: func(s *Shape, v command.FieldValue) { s.Angle = v.(command.SetRotation).Angle },
	},
	command.FieldStyle: {
		get: func(s *Shape) command.FieldValue {
			return command.SetStyle{Stroke: s.Style.Stroke, Fill: s.Style.Fill, StrokeWidth: s.Style.StrokeWidth, Opacity: s.Style.Opacity}
		},
		set: func(s *Shape, v command.FieldValue) {
			p := v.(command.SetStyle)
			s.Style = Style{Stroke: p.Stroke, Fill: p.Fill, StrokeWidth: p.StrokeWidth, Opacity: p.Opacity}
		},
	},
	command.FieldPoints: {
		get: func(s *Shape) command.FieldValue {
			return command.SetPoints{Vertices: append([]command.Point(nil), s.Vertices...)}
		},
		set: func(s *Shape, v command.FieldValue) {
			s.Vertices = append([]command.Point(nil), v.(command.SetPoints).Vertices...)
		},
	},
	command.FieldText: {
		get: func(s *Shape) command.FieldValue { return command.SetText{Value: s.Text} },
		set: func(s *Shape, v command.FieldValue) { s.Text = v.(command.SetText).Value },
	},
}

// Scene is an in-memory Adapter. Subjects keep creation order, which doubles
// as paint order. Not safe for concurrent use.
type Scene struct {
	shapes map[string]*Shape
	order  []string
}

func NewScene() *Scene {
	return &Scene{shapes: make(map[string]*Shape)}
}

func (s *Scene) Create(id string, payload json.RawMessage) error {
	if _, ok := s.shapes[id]; ok {
		return fmt.Errorf("%w: %s", ErrSubjectExists, id)
	}
	var shape Shape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !shape.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidPayload, shape.Kind)
	}
	shape.ID = id
	s.shapes[id] = &shape
	s.order = append(s.order, id)
	return nil
}

func (s *Scene) Remove(id string) error {
	if _, ok := s.shapes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	delete(s.shapes, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Scene) SetField(id string, field command.Field, value json.RawMessage) error {
	shape, ok := s.shapes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	acc, ok := accessors[field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	decoded, err := command.DecodeField(field, value)
	if err != nil {
		return err
	}
	acc.set(shape, decoded)
	return nil
}

func (s *Scene) Field(id string, field command.Field) (json.RawMessage, error) {
	shape, ok := s.shapes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	acc, ok := accessors[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return json.Marshal(acc.get(shape))
}

func (s *Scene) Serialize(id string) (json.RawMessage, error) {
	shape, ok := s.shapes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	return json.Marshal(shape)
}

func (s *Scene) Clear() {
	s.shapes = make(map[string]*Shape)
	s.order = nil
}

func (s *Scene) Len() int {
	return len(s.order)
}

func (s *Scene) Shape(id string) (Shape, bool) {
	shape, ok := s.shapes[id]
	if !ok {
		return Shape{}, false
	}
	return shape.clone(), true
}

// Snapshot returns copies of all live shapes in paint order.
func (s *Scene) Snapshot() []Shape {
	out := make([]Shape, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.shapes[id].clone())
	}
	return out
}
