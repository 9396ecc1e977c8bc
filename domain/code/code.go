package code

import (
	"fmt"
	"strings"
)

// Code is a snapshot of a validateable entity.
type Code struct {
	ID          string `json:"id,omitempty"`
	Code        string `json:"code"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Validations int    `json:"validations"`
}

// Absent returns the snapshot used when code does not exist anywhere.
func Absent(code string) Code {
	return Code{Code: code}
}

// Exists reports whether the snapshot refers to a stored code.
func (c Code) Exists() bool {
	return c.ID != ""
}

// Field returns the value of the named field, as seen by verification rules.
// Unknown fields yield nil.
func (c Code) Field(name string) any {
	switch name {
	case "id":
		return c.ID
	case "code":
		return c.Code
	case "name":
		return c.Name
	case "type":
		return c.Type
	case "validations":
		return c.Validations
	}
	return nil
}

// Type identifies a code collection.
type Type struct {
	ID   string `json:"id"`
	Name string `json:"type"`
}

// Key is the "<id>-<name>" form used to tell collections apart on the wire.
func (t Type) Key() string {
	return t.ID + "-" + t.Name
}

func (t Type) String() string {
	return t.Name
}

// ParseType parses the "<id>:<name>" form used in configuration.
func ParseType(s string) (Type, error) {
	id, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" || name == "" {
		return Type{}, fmt.Errorf("invalid collection type %q, expected <id>:<name>", s)
	}
	return Type{ID: id, Name: name}, nil
}

// LabelFromKey extracts the human label from a Type.Key value.
func LabelFromKey(key string) string {
	_, name, ok := strings.Cut(key, "-")
	if !ok {
		return key
	}
	return name
}

// Session is the event a set of nodes scans codes for.
type Session struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
