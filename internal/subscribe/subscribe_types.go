package subscribe

// AdapterEvent is one change observed on a BlueZ adapter. PowerState is
// empty and Powered nil when the host did not report that property.
type AdapterEvent struct {
	PowerState string
	Powered    *bool
	Removed    bool
}
