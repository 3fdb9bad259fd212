package instrument

// InstrumentStats counts instrumentation decisions.
//
// A FunctionResult carries the counters of one function; InstrumentResult
// sums them over a module.
type InstrumentStats struct {
	ReadsInstrumented  int `json:"reads_instrumented" yaml:"reads_instrumented"`
	WritesInstrumented int `json:"writes_instrumented" yaml:"writes_instrumented"`

	OmittedReadsBeforeWrite         int `json:"omitted_reads_before_write" yaml:"omitted_reads_before_write"`
	AccessesWithBadSize             int `json:"accesses_with_bad_size" yaml:"accesses_with_bad_size"`
	VtableWritesInstrumented        int `json:"vtable_writes_instrumented" yaml:"vtable_writes_instrumented"`
	VtableReadsInstrumented         int `json:"vtable_reads_instrumented" yaml:"vtable_reads_instrumented"`
	OmittedReadsFromConstantGlobals int `json:"omitted_reads_from_constant_globals" yaml:"omitted_reads_from_constant_globals"`
	OmittedReadsFromVtable          int `json:"omitted_reads_from_vtable" yaml:"omitted_reads_from_vtable"`
	OmittedNonCaptured              int `json:"omitted_non_captured" yaml:"omitted_non_captured"`

	AtomicsLowered        int `json:"atomics_lowered" yaml:"atomics_lowered"`
	MemIntrinsicsReplaced int `json:"mem_intrinsics_replaced" yaml:"mem_intrinsics_replaced"`
	FunctionsFramed       int `json:"functions_framed" yaml:"functions_framed"`
	FunctionsSkipped      int `json:"functions_skipped" yaml:"functions_skipped"`
}

// Total returns the number of accesses that received a runtime check,
// counting a compound check once for its read and once for its write.
func (s *InstrumentStats) Total() int {
	return s.ReadsInstrumented + s.WritesInstrumented
}

// TotalSkipped returns the number of accesses elided by static reasoning.
func (s *InstrumentStats) TotalSkipped() int {
	return s.OmittedReadsBeforeWrite + s.AccessesWithBadSize +
		s.OmittedReadsFromConstantGlobals + s.OmittedReadsFromVtable + s.OmittedNonCaptured
}

// Add accumulates o into s.
func (s *InstrumentStats) Add(o InstrumentStats) {
	s.ReadsInstrumented += o.ReadsInstrumented
	s.WritesInstrumented += o.WritesInstrumented
	s.OmittedReadsBeforeWrite += o.OmittedReadsBeforeWrite
	s.AccessesWithBadSize += o.AccessesWithBadSize
	s.VtableWritesInstrumented += o.VtableWritesInstrumented
	s.VtableReadsInstrumented += o.VtableReadsInstrumented
	s.OmittedReadsFromConstantGlobals += o.OmittedReadsFromConstantGlobals
	s.OmittedReadsFromVtable += o.OmittedReadsFromVtable
	s.OmittedNonCaptured += o.OmittedNonCaptured
	s.AtomicsLowered += o.AtomicsLowered
	s.MemIntrinsicsReplaced += o.MemIntrinsicsReplaced
	s.FunctionsFramed += o.FunctionsFramed
	s.FunctionsSkipped += o.FunctionsSkipped
}
