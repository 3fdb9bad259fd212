package irfile

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/raceinstr/internal/ir"
)

func TestReadFileBasic(t *testing.T) {
	m, err := ReadFile("testdata/basic.yaml")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ir.Print(&buf, m))

	want := strings.Join([]string{
		"; module basic (elf)",
		"@counter = global i32",
		"@table = constant [4 x i8]",
		"",
		"declare void @work(ptr)",
		"",
		"define i32 @f(ptr %p) sanitize_thread {",
		"entry:",
		"  %slot = alloca i64, align 8",
		"  %v = load i32, ptr @counter, align 4",
		"  %q = getelementptr inbounds i8, ptr %p, i64 8",
		"  store i64 0, ptr %slot, align 8",
		"  br i1 1, label %left, label %join",
		"",
		"left:",
		"  call void @work(ptr %q)",
		"  %old = atomicrmw add ptr @counter, i32 1 seq_cst, align 4",
		"  br label %join",
		"",
		"join:",
		"  %r = phi i32 [ %v, %entry ], [ %old, %left ]",
		"  ret i32 %r",
		"}",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())

	f := m.Function("f")
	require.NotNil(t, f)
	assert.Equal(t, ir.AttrSanitizeThread, f.Attrs)
	assert.True(t, m.Unwind)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		path string
	}{
		{
			name: "missing module name",
			src:  "functions: []",
			path: "module",
		},
		{
			name: "bad global type",
			src:  "module: m\nglobals: [{name: g, type: i0}]",
			path: "globals[0].type",
		},
		{
			name: "unknown attribute",
			src:  "module: m\nfunctions: [{name: f, attrs: [fast]}]",
			path: "functions[0].attrs[0]",
		},
		{
			name: "unknown value",
			src: `module: m
functions:
  - name: f
    blocks:
      - name: entry
        instrs:
          - {op: load, name: v, type: i32, ptr: "%nope"}
          - {op: ret}`,
			path: "functions[0].blocks[0].instrs[0].ptr",
		},
		{
			name: "untyped literal",
			src: `module: m
globals: [{name: g, type: i32}]
functions:
  - name: f
    blocks:
      - name: entry
        instrs:
          - {op: store, value: "5", ptr: "@g"}
          - {op: ret}`,
			path: "functions[0].blocks[0].instrs[0].value",
		},
		{
			name: "missing terminator",
			src: `module: m
functions:
  - name: f
    blocks:
      - name: entry
        instrs:
          - {op: fence, ordering: seq_cst}`,
			path: "functions[0]",
		},
		{
			name: "duplicate local",
			src: `module: m
functions:
  - name: f
    params: [{name: x, type: ptr}]
    blocks:
      - name: entry
        instrs:
          - {op: alloca, name: x, type: i32}
          - {op: ret}`,
			path: "functions[0].blocks[0].instrs[0].name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			require.Error(t, err)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.path, perr.Path)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("module: m\nbogus: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestForwardReferences(t *testing.T) {
	src := `module: m
functions:
  - name: loop
    blocks:
      - name: entry
        instrs:
          - {op: br, dest: body}
      - name: body
        instrs:
          - op: phi
            name: p
            type: ptr
            incoming:
              - {value: "null", block: entry}
              - {value: "%next", block: body}
          - {op: gep, name: next, type: i8, ptr: "%p", index: ["i64 1"]}
          - {op: br, dest: body}
`
	m, err := Parse([]byte(src))
	require.NoError(t, err)
	body := m.Function("loop").BlockByName("body")
	phi := body.Instrs[0]
	assert.Same(t, body.Instrs[1], phi.Operands[1])
}
