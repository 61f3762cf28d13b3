package handlers

import (
	tracer "github.com/dhawal-pandya/aeonis/packages/tracer-sdk/go"
)

var Tracer *tracer.Tracer

func SetTracer(t *tracer.Tracer) {
	Tracer = t
}

// InitTracerForTests installs a tracer whose exporter points nowhere.
func InitTracerForTests() {
	Tracer = tracer.NewTracer(
		"invoicekits-test",
		"http://localhost:0/v1/traces",
		"test",
		tracer.NewPIISanitizer(),
	)
}
