// Package irfile reads IR modules from a YAML description.
//
// A file lists globals and functions; functions with blocks are
// definitions, the rest are declarations. Operands are written as
// references:
//
//	%name          parameter or instruction of the enclosing function
//	@name          global variable or function
//	i32 5          integer constant of the given type
//	true, false    i1 constants
//	null           null pointer (ptr)
//	undef T        undefined value of type T
//
// Example:
//
//	module: demo
//	globals:
//	  - {name: counter, type: i32}
//	functions:
//	  - name: inc
//	    attrs: [sanitize_thread]
//	    blocks:
//	      - name: entry
//	        instrs:
//	          - {op: load, name: v, type: i32, ptr: "@counter", align: 4}
//	          - {op: store, value: "%v", ptr: "@counter", align: 4}
//	          - {op: ret}
package irfile

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kolkov/raceinstr/internal/ir"
)

// File is the document root.
type File struct {
	Module      string     `yaml:"module"`
	Format      string     `yaml:"format,omitempty"`
	PointerBits uint32     `yaml:"pointer_bits,omitempty"`
	NoUnwind    bool       `yaml:"no_unwind,omitempty"`
	Globals     []Global   `yaml:"globals,omitempty"`
	Functions   []Function `yaml:"functions,omitempty"`
}

// Global describes a module-level variable.
type Global struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Constant  bool   `yaml:"constant,omitempty"`
	Section   string `yaml:"section,omitempty"`
	AddrSpace uint32 `yaml:"addrspace,omitempty"`
}

// Param is a function parameter.
type Param struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Function describes a declaration or a definition.
type Function struct {
	Name        string   `yaml:"name"`
	Ret         string   `yaml:"ret,omitempty"`
	Params      []Param  `yaml:"params,omitempty"`
	Variadic    bool     `yaml:"variadic,omitempty"`
	Attrs       []string `yaml:"attrs,omitempty"`
	Personality string   `yaml:"personality,omitempty"`
	Blocks      []Block  `yaml:"blocks,omitempty"`
}

// Block is a labelled instruction list.
type Block struct {
	Name   string  `yaml:"name"`
	Instrs []Instr `yaml:"instrs"`
}

// Edge is one incoming value of a phi.
type Edge struct {
	Value string `yaml:"value"`
	Block string `yaml:"block"`
}

// Instr describes one instruction. Which fields apply depends on Op.
type Instr struct {
	Op   string `yaml:"op"`
	Name string `yaml:"name,omitempty"`
	// Type is the loaded, allocated, indexed, cast-to, or result type.
	Type string `yaml:"type,omitempty"`

	Ptr   string `yaml:"ptr,omitempty"`
	Value string `yaml:"value,omitempty"`
	Cmp   string `yaml:"cmp,omitempty"`
	New   string `yaml:"new,omitempty"`

	Align    uint64 `yaml:"align,omitempty"`
	Volatile bool   `yaml:"volatile,omitempty"`
	Ordering string `yaml:"ordering,omitempty"`
	Failure  string `yaml:"failure,omitempty"`
	Scope    string `yaml:"scope,omitempty"`
	RMW      string `yaml:"rmw,omitempty"`
	Kind     string `yaml:"kind,omitempty"`
	InBounds bool   `yaml:"inbounds,omitempty"`

	Index []string `yaml:"index,omitempty"`

	Callee   string   `yaml:"callee,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	NoUnwind bool     `yaml:"nounwind,omitempty"`
	MustTail bool     `yaml:"musttail,omitempty"`
	Normal   string   `yaml:"normal,omitempty"`
	Unwind   string   `yaml:"unwind,omitempty"`

	Dest string `yaml:"dest,omitempty"`
	Cond string `yaml:"cond,omitempty"`
	Then string `yaml:"then,omitempty"`
	Else string `yaml:"else,omitempty"`

	Incoming  []Edge   `yaml:"incoming,omitempty"`
	Positions []uint32 `yaml:"positions,omitempty"`
	Operands  []string `yaml:"operands,omitempty"`
	Pred      string   `yaml:"pred,omitempty"`

	Vtable     bool `yaml:"vtable,omitempty"`
	NoSanitize bool `yaml:"nosanitize,omitempty"`
	Cleanup    bool `yaml:"cleanup,omitempty"`
}

// ParseError reports a problem at a field path inside the document.
type ParseError struct {
	Path string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "irfile: " + e.Msg
	}
	return fmt.Sprintf("irfile: %s: %s", e.Path, e.Msg)
}

// ReadFile loads and builds the module stored at path.
func ReadFile(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read IR file: %w", err)
	}
	return Parse(data)
}

// Read decodes a module description from r.
func Read(r io.Reader) (*ir.Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read IR: %w", err)
	}
	return Parse(data)
}

// Parse decodes and builds a module from YAML bytes.
func Parse(data []byte) (*ir.Module, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	return Build(&f)
}

// Build turns a decoded File into a Module.
func Build(f *File) (*ir.Module, error) {
	if f.Module == "" {
		return nil, &ParseError{Path: "module", Msg: "module name is required"}
	}
	format, err := ir.ParseObjectFormat(f.Format)
	if err != nil {
		return nil, &ParseError{Path: "format", Msg: err.Error()}
	}
	m := ir.NewModule(f.Module)
	m.Format = format
	m.Unwind = !f.NoUnwind
	if f.PointerBits != 0 {
		m.Layout.PointerBits = f.PointerBits
	}

	b := &builder{mod: m, globals: make(map[string]ir.Value)}
	if err := b.declare(f); err != nil {
		return nil, err
	}
	for i := range f.Functions {
		if err := b.define(i, &f.Functions[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}
