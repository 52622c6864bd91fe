// Package model defines the contract for behavioral devices that participate
// in harness evaluation alongside compiled designs.
package model

// Model is a host-language device. Eval is called by the harness between UUT
// evaluation passes, so it can run more than once per clock edge; models
// detect their own rising edge internally (by convention through a clock pin
// indirection registered with a clock domain) and do nothing on non-edge
// calls. All model IO is by pointer indirection into cells owned by a UUT or
// by the driver.
type Model interface {
	// Eval samples the model's inputs and advances its state if its clock
	// edged. Errors are protocol violations and fatal to the run.
	Eval() error
}
