package fieldset

import "fmt"

// Kind tags the type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindBool
	KindString
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one typed field value.
type Value struct {
	Kind Kind
	Int  uint64
	Bool bool
	Str  string
	Bin  []byte
}

// Field is a named Value.
type Field struct {
	Name  string
	Value Value
}

// FieldSet is the ordered record produced for one captured event.
type FieldSet struct {
	fields []Field
}

// New returns an empty FieldSet with room for n fields.
func New(n int) *FieldSet {
	return &FieldSet{fields: make([]Field, 0, n)}
}

func (fs *FieldSet) add(name string, v Value) {
	fs.fields = append(fs.fields, Field{Name: name, Value: v})
}

func (fs *FieldSet) AddUint64(name string, v uint64) {
	fs.add(name, Value{Kind: KindInt, Int: v})
}

func (fs *FieldSet) AddBool(name string, v bool) {
	fs.add(name, Value{Kind: KindBool, Bool: v})
}

func (fs *FieldSet) AddString(name, v string) {
	fs.add(name, Value{Kind: KindString, Str: v})
}

// AddBinary copies b; capture buffers are only valid until the next read.
func (fs *FieldSet) AddBinary(name string, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	fs.add(name, Value{Kind: KindBinary, Bin: cp})
}

func (fs *FieldSet) AddNull(name string) {
	fs.add(name, Value{Kind: KindNull})
}

// Len returns the number of fields.
func (fs *FieldSet) Len() int { return len(fs.fields) }

// Fields returns the fields in insertion order. The slice must not be modified.
func (fs *FieldSet) Fields() []Field { return fs.fields }

// Get returns the first field with the given name.
func (fs *FieldSet) Get(name string) (Value, bool) {
	for _, f := range fs.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Names returns field names in order.
func (fs *FieldSet) Names() []string {
	names := make([]string, len(fs.fields))
	for i, f := range fs.fields {
		names[i] = f.Name
	}
	return names
}
